package realtime

import (
	"math"
)

// Level constants for the energy detector
const (
	DefaultVADThresholdDB = -40.0
	DefaultFloorDB        = -60.0

	fullScale = 32768.0
)

// VoiceActivityDetector classifies chunks as speech by comparing their RMS
// energy in dBFS against a fixed threshold
type VoiceActivityDetector struct {
	thresholdDB float64
	floorDB     float64

	totalFrames int64
	voiceFrames int64
}

// NewVoiceActivityDetector creates a detector with the given threshold and floor in dBFS
func NewVoiceActivityDetector(thresholdDB, floorDB float64) *VoiceActivityDetector {
	if floorDB >= 0 {
		floorDB = DefaultFloorDB
	}
	return &VoiceActivityDetector{
		thresholdDB: thresholdDB,
		floorDB:     floorDB,
	}
}

// EnergyDB returns the RMS level of the samples in dBFS, clamped to [floor, 0].
// An empty or all-zero chunk reports the floor.
func (vad *VoiceActivityDetector) EnergyDB(samples []int16) float64 {
	if len(samples) == 0 {
		return vad.floorDB
	}

	var sumSquares float64
	for _, s := range samples {
		v := float64(s) / fullScale
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	if rms <= 0 {
		return vad.floorDB
	}

	db := 20 * math.Log10(rms)
	if db < vad.floorDB {
		return vad.floorDB
	}
	if db > 0 {
		return 0
	}
	return db
}

// IsActive reports whether a level counts as speech
func (vad *VoiceActivityDetector) IsActive(energyDB float64) bool {
	active := energyDB > vad.thresholdDB
	vad.totalFrames++
	if active {
		vad.voiceFrames++
	}
	return active
}

// VoiceRatio returns the fraction of classified frames that were speech
func (vad *VoiceActivityDetector) VoiceRatio() float64 {
	if vad.totalFrames == 0 {
		return 0
	}
	return float64(vad.voiceFrames) / float64(vad.totalFrames)
}

// Floor returns the configured floor in dBFS
func (vad *VoiceActivityDetector) Floor() float64 {
	return vad.floorDB
}
