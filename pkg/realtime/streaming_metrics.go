package realtime

import (
	"time"
)

// WindowedMetrics is the session-wide summary the coaching rules evaluate
type WindowedMetrics struct {
	AgentPaceEstimate    float64   `json:"agent_pace_wpm"`
	CustomerPaceEstimate float64   `json:"customer_pace_wpm"`
	AgentVolumeDB        float64   `json:"agent_volume_db"`
	CustomerVolumeDB     float64   `json:"customer_volume_db"`
	AgentSpeaking        bool      `json:"agent_speaking"`
	CustomerSpeaking     bool      `json:"customer_speaking"`
	SilenceDurationSec   float64   `json:"silence_duration_sec"`
	InterruptionActive   bool      `json:"interruption_active"`
	InterruptionSeen     bool      `json:"interruption_seen"`
	InterruptionCount    int       `json:"interruption_count"`
	StartedAt            time.Time `json:"started_at"`
	LastUpdated          time.Time `json:"last_updated"`
}

// Age returns how long the session has been running at now
func (m *WindowedMetrics) Age(now time.Time) time.Duration {
	if m.StartedAt.IsZero() || now.Before(m.StartedAt) {
		return 0
	}
	return now.Sub(m.StartedAt)
}

// Aggregator merges both tracks' observations into WindowedMetrics. It is
// owned by a session goroutine and is not safe for concurrent use.
type Aggregator struct {
	agent    *FeatureExtractor
	customer *FeatureExtractor

	metrics     WindowedMetrics
	lastVoiceAt time.Time
	floorDB     float64

	unknownTrackChunks int64
}

// NewAggregator creates an aggregator for a session that started at startedAt
func NewAggregator(config ExtractorConfig, startedAt time.Time) *Aggregator {
	config = config.withDefaults()
	return &Aggregator{
		agent:    NewFeatureExtractor(TrackAgent, config),
		customer: NewFeatureExtractor(TrackCustomer, config),
		metrics: WindowedMetrics{
			AgentVolumeDB:    config.FloorDB,
			CustomerVolumeDB: config.FloorDB,
			StartedAt:        startedAt,
			LastUpdated:      startedAt,
		},
		lastVoiceAt: startedAt,
		floorDB:     config.FloorDB,
	}
}

// Ingest extracts features from a chunk and folds them into the metrics.
// Chunks for unknown tracks are discarded and counted.
func (a *Aggregator) Ingest(chunk AudioChunk) (Observation, bool) {
	var fe *FeatureExtractor
	switch chunk.Track {
	case TrackAgent:
		fe = a.agent
	case TrackCustomer:
		fe = a.customer
	default:
		a.unknownTrackChunks++
		return Observation{}, false
	}

	obs := fe.Observe(chunk)
	a.Update(obs)
	return obs, true
}

// Update folds an observation already recorded by its track's extractor
// into the session metrics
func (a *Aggregator) Update(obs Observation) {
	switch obs.Track {
	case TrackAgent:
		a.metrics.AgentVolumeDB = obs.EnergyDB
		a.metrics.AgentSpeaking = obs.VoiceActive
		a.metrics.AgentPaceEstimate = a.agent.PaceEstimate()
	case TrackCustomer:
		a.metrics.CustomerVolumeDB = obs.EnergyDB
		a.metrics.CustomerSpeaking = obs.VoiceActive
		a.metrics.CustomerPaceEstimate = a.customer.PaceEstimate()
	default:
		a.unknownTrackChunks++
		return
	}

	if obs.VoiceActive && obs.Timestamp.After(a.lastVoiceAt) {
		a.lastVoiceAt = obs.Timestamp
	}

	overlap := a.metrics.AgentSpeaking && a.metrics.CustomerSpeaking
	if overlap {
		if !a.metrics.InterruptionActive {
			a.metrics.InterruptionCount++
		}
		a.metrics.InterruptionSeen = true
	}
	a.metrics.InterruptionActive = overlap

	a.refreshSilence(obs.Timestamp)
	if obs.Timestamp.After(a.metrics.LastUpdated) {
		a.metrics.LastUpdated = obs.Timestamp
	}
}

// Tick advances time-derived fields without new audio. Observations that left
// the window no longer count toward pace, and a track that stopped delivering
// audio is treated as silent at the floor level.
func (a *Aggregator) Tick(now time.Time) {
	if !a.agent.Expire(now) {
		a.metrics.AgentSpeaking = false
		a.metrics.AgentVolumeDB = a.floorDB
	}
	a.metrics.AgentPaceEstimate = a.agent.PaceEstimate()

	if !a.customer.Expire(now) {
		a.metrics.CustomerSpeaking = false
		a.metrics.CustomerVolumeDB = a.floorDB
	}
	a.metrics.CustomerPaceEstimate = a.customer.PaceEstimate()

	// overlap can only end here; new overlaps are counted on chunk arrival
	a.metrics.InterruptionActive = a.metrics.InterruptionActive &&
		a.metrics.AgentSpeaking && a.metrics.CustomerSpeaking

	a.refreshSilence(now)
	if now.After(a.metrics.LastUpdated) {
		a.metrics.LastUpdated = now
	}
}

// Silence is zero while either party speaks and otherwise grows from the last
// voiced chunk; it never decreases until speech resumes.
func (a *Aggregator) refreshSilence(now time.Time) {
	if a.metrics.AgentSpeaking || a.metrics.CustomerSpeaking {
		a.metrics.SilenceDurationSec = 0
		return
	}
	silence := now.Sub(a.lastVoiceAt).Seconds()
	if silence > a.metrics.SilenceDurationSec {
		a.metrics.SilenceDurationSec = silence
	}
}

// Metrics returns a copy of the current metrics
func (a *Aggregator) Metrics() WindowedMetrics {
	return a.metrics
}

// MetricsRef exposes the live metrics to the rule engine
func (a *Aggregator) MetricsRef() *WindowedMetrics {
	return &a.metrics
}

// ConsumeInterruption clears the latched interruption flag once an
// evaluation pass has seen it
func (a *Aggregator) ConsumeInterruption() {
	a.metrics.InterruptionSeen = a.metrics.InterruptionActive
}

// TalkRatios returns the share of speech chunks seen on each track
func (a *Aggregator) TalkRatios() (agent, customer float64) {
	return a.agent.VoiceRatio(), a.customer.VoiceRatio()
}

// UnknownTrackChunks returns how many chunks were discarded for an unknown track
func (a *Aggregator) UnknownTrackChunks() int64 {
	return a.unknownTrackChunks
}

// Release drops the rolling histories
func (a *Aggregator) Release() {
	a.agent.Reset()
	a.customer.Reset()
}
