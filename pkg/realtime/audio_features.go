package realtime

import (
	"time"
)

// Defaults for feature extraction
const (
	DefaultSampleRate        = 8000
	DefaultWindow            = 5 * time.Second
	DefaultMinChunkDuration  = 10 * time.Millisecond
	DefaultSyllablesPerBurst = 3.0
	DefaultStaleAfter        = 500 * time.Millisecond

	syllablesPerWord = 2.0
	minPaceSpan      = time.Second
	maxPaceWPM       = 300.0
)

// ExtractorConfig parameterises per-track feature extraction
type ExtractorConfig struct {
	SampleRate int
	// Window is the rolling history length used for pace estimation
	Window time.Duration
	// MinChunkDuration sizes the history ring; chunks shorter than this may
	// cause the oldest entries to be evicted before they leave the window
	MinChunkDuration  time.Duration
	VADThresholdDB    float64
	FloorDB           float64
	SyllablesPerBurst float64
	// StaleAfter is how long a track may go without audio before it stops
	// counting as speaking
	StaleAfter time.Duration
}

// DefaultExtractorConfig returns the settings used for 8 kHz telephony audio
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		SampleRate:        DefaultSampleRate,
		Window:            DefaultWindow,
		MinChunkDuration:  DefaultMinChunkDuration,
		VADThresholdDB:    DefaultVADThresholdDB,
		FloorDB:           DefaultFloorDB,
		SyllablesPerBurst: DefaultSyllablesPerBurst,
		StaleAfter:        DefaultStaleAfter,
	}
}

func (c ExtractorConfig) withDefaults() ExtractorConfig {
	d := DefaultExtractorConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinChunkDuration <= 0 {
		c.MinChunkDuration = d.MinChunkDuration
	}
	if c.FloorDB >= 0 {
		c.FloorDB = d.FloorDB
	}
	if c.SyllablesPerBurst <= 0 {
		c.SyllablesPerBurst = d.SyllablesPerBurst
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// FeatureExtractor turns one track's chunks into observations and keeps the
// rolling history used for pace estimation
type FeatureExtractor struct {
	track      Track
	config     ExtractorConfig
	vad        *VoiceActivityDetector
	history    *ObservationRing
	lastActive bool
	// asOf is the latest time the window has been advanced to
	asOf time.Time
}

// NewFeatureExtractor creates an extractor for a single track
func NewFeatureExtractor(track Track, config ExtractorConfig) *FeatureExtractor {
	config = config.withDefaults()
	capacity := int(config.Window/config.MinChunkDuration) + 1

	return &FeatureExtractor{
		track:   track,
		config:  config,
		vad:     NewVoiceActivityDetector(config.VADThresholdDB, config.FloorDB),
		history: NewObservationRing(capacity),
	}
}

// Observe computes the observation for a chunk and appends it to the history,
// evicting entries that fell out of the window
func (fe *FeatureExtractor) Observe(chunk AudioChunk) Observation {
	energy := fe.vad.EnergyDB(chunk.Samples)
	active := len(chunk.Samples) > 0 && fe.vad.IsActive(energy)

	obs := Observation{
		Track:       fe.track,
		EnergyDB:    energy,
		VoiceActive: active,
		Onset:       active && !fe.lastActive,
		Duration:    chunk.Duration(fe.config.SampleRate),
		Timestamp:   chunk.ArrivalTime,
	}
	fe.lastActive = active

	fe.history.Push(obs)
	fe.advance(obs.Timestamp)
	return obs
}

// advance moves the window end forward and evicts what fell out of it
func (fe *FeatureExtractor) advance(now time.Time) {
	if now.After(fe.asOf) {
		fe.asOf = now
	}
	fe.history.EvictBefore(fe.asOf.Add(-fe.config.Window))
}

// PaceEstimate approximates speaking rate in words per minute by counting
// speech onsets in the window. Each burst of voice activity is taken as
// SyllablesPerBurst syllables and two syllables make a word. The rate is taken
// over the span from the oldest retained observation to the window end, so a
// track that goes quiet decays to zero as its onsets age out.
func (fe *FeatureExtractor) PaceEstimate() float64 {
	if fe.history.Len() == 0 {
		return 0
	}

	bursts := 0
	fe.history.Each(func(obs Observation) {
		if obs.Onset {
			bursts++
		}
	})
	if bursts == 0 {
		return 0
	}

	oldest, _ := fe.history.Oldest()
	newest, _ := fe.history.Newest()
	end := newest.Timestamp.Add(newest.Duration)
	if fe.asOf.After(end) {
		end = fe.asOf
	}
	span := end.Sub(oldest.Timestamp)
	if span < minPaceSpan {
		span = minPaceSpan
	}
	if span > fe.config.Window {
		span = fe.config.Window
	}

	words := float64(bursts) * fe.config.SyllablesPerBurst / syllablesPerWord
	wpm := words / span.Minutes()
	if wpm > maxPaceWPM {
		return maxPaceWPM
	}
	return wpm
}

// Latest returns the most recent observation
func (fe *FeatureExtractor) Latest() (Observation, bool) {
	return fe.history.Newest()
}

// HistoryLen returns the number of observations in the window
func (fe *FeatureExtractor) HistoryLen() int {
	return fe.history.Len()
}

// Expire drops history that left the window at now and reports whether the
// track delivered audio within StaleAfter. A stale track restarts onset
// detection so the next voiced chunk counts as a new burst.
func (fe *FeatureExtractor) Expire(now time.Time) bool {
	fe.advance(now)

	newest, ok := fe.history.Newest()
	if !ok || now.Sub(newest.Timestamp.Add(newest.Duration)) > fe.config.StaleAfter {
		fe.lastActive = false
		return false
	}
	return true
}

// VoiceRatio returns the share of chunks on this track classified as speech
func (fe *FeatureExtractor) VoiceRatio() float64 {
	return fe.vad.VoiceRatio()
}

// Track returns the track this extractor serves
func (fe *FeatureExtractor) Track() Track {
	return fe.track
}

// Reset drops the history
func (fe *FeatureExtractor) Reset() {
	fe.history.Reset()
	fe.lastActive = false
	fe.asOf = time.Time{}
}
