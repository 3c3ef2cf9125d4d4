package session

import (
	"context"
	"sync"
	"time"
)

// recordingSink keeps every published event in memory
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{}
}

func (r *recordingSink) Name() string {
	return "recording"
}

func (r *recordingSink) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls cond until it holds or the timeout passes
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
