package realtime

import (
	"time"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const chunkStep = 20 * time.Millisecond

// toneChunk returns a 20 ms chunk at 8 kHz with a constant sample value
func toneChunk(track Track, amplitude int16, at time.Duration) AudioChunk {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = amplitude
	}
	return AudioChunk{Track: track, Samples: samples, ArrivalTime: testEpoch.Add(at)}
}

// burstPattern reports whether chunk i is voiced in a pattern of on chunks
// followed by off chunks
func burstPattern(i, on, off int) bool {
	return i%(on+off) < on
}
