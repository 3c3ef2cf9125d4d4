package realtime

import (
	"time"
)

// ObservationRing is a fixed-capacity FIFO of observations. Once full, pushing
// overwrites the oldest entry. It is owned by a single session goroutine.
type ObservationRing struct {
	buffer   []Observation
	writePos int
	size     int
	overruns int64
}

// NewObservationRing allocates a ring able to hold capacity observations
func NewObservationRing(capacity int) *ObservationRing {
	if capacity < 1 {
		capacity = 1
	}
	return &ObservationRing{buffer: make([]Observation, capacity)}
}

// Push appends an observation, evicting the oldest one when the ring is full
func (r *ObservationRing) Push(obs Observation) {
	r.buffer[r.writePos] = obs
	r.writePos = (r.writePos + 1) % len(r.buffer)
	if r.size < len(r.buffer) {
		r.size++
	} else {
		r.overruns++
	}
}

func (r *ObservationRing) readPos() int {
	return (r.writePos - r.size + len(r.buffer)) % len(r.buffer)
}

// Oldest returns the oldest retained observation
func (r *ObservationRing) Oldest() (Observation, bool) {
	if r.size == 0 {
		return Observation{}, false
	}
	return r.buffer[r.readPos()], true
}

// Newest returns the most recently pushed observation
func (r *ObservationRing) Newest() (Observation, bool) {
	if r.size == 0 {
		return Observation{}, false
	}
	return r.buffer[(r.writePos-1+len(r.buffer))%len(r.buffer)], true
}

// PopOldest drops the oldest observation
func (r *ObservationRing) PopOldest() {
	if r.size == 0 {
		return
	}
	r.buffer[r.readPos()] = Observation{}
	r.size--
}

// EvictBefore drops observations whose timestamp is not after the cutoff
func (r *ObservationRing) EvictBefore(cutoff time.Time) int {
	evicted := 0
	for {
		oldest, ok := r.Oldest()
		if !ok || oldest.Timestamp.After(cutoff) {
			return evicted
		}
		r.PopOldest()
		evicted++
	}
}

// Each visits retained observations from oldest to newest
func (r *ObservationRing) Each(fn func(Observation)) {
	start := r.readPos()
	for i := 0; i < r.size; i++ {
		fn(r.buffer[(start+i)%len(r.buffer)])
	}
}

// Len returns the number of retained observations
func (r *ObservationRing) Len() int {
	return r.size
}

// Cap returns the ring capacity
func (r *ObservationRing) Cap() int {
	return len(r.buffer)
}

// Overruns returns how many observations were evicted because the ring was full
func (r *ObservationRing) Overruns() int64 {
	return r.overruns
}

// Reset clears the ring without releasing its storage
func (r *ObservationRing) Reset() {
	for i := range r.buffer {
		r.buffer[i] = Observation{}
	}
	r.writePos = 0
	r.size = 0
}
