package realtime

import (
	"time"
)

// Track identifies which party of the call an audio stream belongs to
type Track string

const (
	TrackAgent    Track = "agent"
	TrackCustomer Track = "customer"
)

// Valid reports whether the track is one the pipeline processes
func (t Track) Valid() bool {
	return t == TrackAgent || t == TrackCustomer
}

// AudioChunk is a short slice of 16-bit PCM audio from one track
type AudioChunk struct {
	Track       Track
	Samples     []int16
	ArrivalTime time.Time
}

// Duration returns the audio length covered by the chunk at the given sample rate
func (c AudioChunk) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(sampleRate)
}

// Observation is the per-chunk feature record kept in a track's rolling history
type Observation struct {
	Track       Track         `json:"track"`
	EnergyDB    float64       `json:"energy_db"`
	VoiceActive bool          `json:"voice_active"`
	Onset       bool          `json:"onset"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}
