package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator() *Aggregator {
	return NewAggregator(DefaultExtractorConfig(), testEpoch)
}

func TestAggregatorInitialState(t *testing.T) {
	agg := newTestAggregator()
	m := agg.Metrics()

	assert.Equal(t, DefaultFloorDB, m.AgentVolumeDB)
	assert.Equal(t, DefaultFloorDB, m.CustomerVolumeDB)
	assert.Equal(t, 0.0, m.SilenceDurationSec)
	assert.False(t, m.InterruptionActive)
	assert.Equal(t, testEpoch, m.StartedAt)
}

func TestSilenceCountsFromSessionStart(t *testing.T) {
	agg := newTestAggregator()

	agg.Tick(testEpoch.Add(1500 * time.Millisecond))
	assert.InDelta(t, 1.5, agg.Metrics().SilenceDurationSec, 1e-9)
}

func TestSilenceResetsOnVoiceAndIsMonotonic(t *testing.T) {
	agg := newTestAggregator()

	_, ok := agg.Ingest(toneChunk(TrackCustomer, 1638, time.Second))
	require.True(t, ok)
	assert.Equal(t, 0.0, agg.Metrics().SilenceDurationSec, "silence is zero on a voiced chunk")

	agg.Ingest(toneChunk(TrackCustomer, 0, time.Second+chunkStep))

	previous := agg.Metrics().SilenceDurationSec
	for step := 1; step <= 40; step++ {
		agg.Tick(testEpoch.Add(time.Second + time.Duration(step)*100*time.Millisecond))
		current := agg.Metrics().SilenceDurationSec
		assert.GreaterOrEqual(t, current, previous)
		previous = current
	}
	assert.InDelta(t, 4.0, previous, 1e-9)

	// a tick stamped before the last one must not shrink the value
	agg.Tick(testEpoch.Add(3 * time.Second))
	assert.InDelta(t, 4.0, agg.Metrics().SilenceDurationSec, 1e-9)

	agg.Ingest(toneChunk(TrackAgent, 1638, 5*time.Second+chunkStep))
	assert.Equal(t, 0.0, agg.Metrics().SilenceDurationSec)
}

func TestInterruptionDetectedAndLatched(t *testing.T) {
	agg := newTestAggregator()

	// 200 ms of overlapping speech followed by the customer alone
	for i := 0; i < 10; i++ {
		at := time.Duration(i) * chunkStep
		agg.Ingest(toneChunk(TrackCustomer, 1638, at))
		agg.Ingest(toneChunk(TrackAgent, 1638, at))
	}
	assert.True(t, agg.Metrics().InterruptionActive)

	for i := 10; i < 20; i++ {
		at := time.Duration(i) * chunkStep
		agg.Ingest(toneChunk(TrackCustomer, 1638, at))
		agg.Ingest(toneChunk(TrackAgent, 0, at))
	}

	m := agg.Metrics()
	assert.False(t, m.InterruptionActive)
	assert.True(t, m.InterruptionSeen)
	assert.Equal(t, 1, m.InterruptionCount)

	agg.ConsumeInterruption()
	assert.False(t, agg.Metrics().InterruptionSeen)
}

func TestUnknownTrackIsDiscarded(t *testing.T) {
	agg := newTestAggregator()

	_, ok := agg.Ingest(toneChunk(Track("supervisor"), 1638, 0))
	assert.False(t, ok)
	assert.Equal(t, int64(1), agg.UnknownTrackChunks())
	assert.False(t, agg.Metrics().AgentSpeaking)
	assert.False(t, agg.Metrics().CustomerSpeaking)
}

func TestVolumeReflectsLatestObservation(t *testing.T) {
	agg := newTestAggregator()

	agg.Ingest(toneChunk(TrackAgent, 1638, 0))
	assert.InDelta(t, -26.02, agg.Metrics().AgentVolumeDB, 0.05)

	agg.Ingest(toneChunk(TrackAgent, 0, chunkStep))
	assert.Equal(t, DefaultFloorDB, agg.Metrics().AgentVolumeDB)
	assert.Equal(t, DefaultFloorDB, agg.Metrics().CustomerVolumeDB)
}

func TestTalkRatios(t *testing.T) {
	agg := newTestAggregator()

	agg.Ingest(toneChunk(TrackAgent, 1638, 0))
	agg.Ingest(toneChunk(TrackAgent, 0, chunkStep))

	agent, customer := agg.TalkRatios()
	assert.InDelta(t, 0.5, agent, 1e-9)
	assert.Zero(t, customer)
}

func TestTickAgesOutStaleTracks(t *testing.T) {
	agg := newTestAggregator()

	for i := 0; i < 10; i++ {
		at := time.Duration(i) * chunkStep
		agg.Ingest(toneChunk(TrackAgent, 1638, at))
		agg.Ingest(toneChunk(TrackCustomer, 1638, at))
	}
	m := agg.Metrics()
	require.True(t, m.InterruptionActive)
	require.Greater(t, m.AgentPaceEstimate, 0.0)

	// still within the stale allowance of the last chunk
	agg.Tick(testEpoch.Add(400 * time.Millisecond))
	assert.True(t, agg.Metrics().AgentSpeaking)

	agg.Tick(testEpoch.Add(time.Second))
	m = agg.Metrics()
	assert.False(t, m.AgentSpeaking)
	assert.False(t, m.CustomerSpeaking)
	assert.False(t, m.InterruptionActive)
	assert.True(t, m.InterruptionSeen, "latched overlap survives until consumed")
	assert.Equal(t, DefaultFloorDB, m.AgentVolumeDB)
	assert.Equal(t, DefaultFloorDB, m.CustomerVolumeDB)
	assert.InDelta(t, 0.82, m.SilenceDurationSec, 1e-9)

	agg.Tick(testEpoch.Add(6 * time.Second))
	m = agg.Metrics()
	assert.Equal(t, 0.0, m.AgentPaceEstimate)
	assert.Equal(t, 0.0, m.CustomerPaceEstimate)
}

func TestPaceDecaysWhileTrackIsQuiet(t *testing.T) {
	fe := NewFeatureExtractor(TrackAgent, DefaultExtractorConfig())
	for i := 0; i < 250; i++ {
		amp := int16(0)
		if burstPattern(i, 5, 5) {
			amp = 1638
		}
		fe.Observe(toneChunk(TrackAgent, amp, time.Duration(i)*chunkStep))
	}
	busy := fe.PaceEstimate()
	require.Greater(t, busy, 160.0)

	assert.False(t, fe.Expire(testEpoch.Add(7*time.Second)))
	quieter := fe.PaceEstimate()
	assert.Less(t, quieter, busy)

	fe.Expire(testEpoch.Add(11 * time.Second))
	assert.Equal(t, 0.0, fe.PaceEstimate())
	assert.Equal(t, 0, fe.HistoryLen())
}
