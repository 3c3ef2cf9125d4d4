package session

import (
	"context"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/realtime"

	"golang.org/x/sync/errgroup"
)

// EventType labels what a session published
type EventType string

const (
	EventStreamStarted EventType = "stream_started"
	EventSuggestion    EventType = "suggestion"
	EventMetrics       EventType = "metrics"
	EventCallEnded     EventType = "call_ended"
)

// Event is one message a session hands to its output sink
type Event struct {
	Type       EventType                 `json:"type"`
	SessionID  string                    `json:"session_id"`
	CallID     string                    `json:"call_id"`
	Timestamp  time.Time                 `json:"timestamp"`
	Suggestion *coaching.Suggestion      `json:"suggestion,omitempty"`
	Metrics    *realtime.WindowedMetrics `json:"metrics,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

// Sink delivers session events to the agent's display or downstream
// consumers. Publish is called from a per-session forwarder goroutine and may
// block up to the context deadline without stalling audio processing.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// FanoutSink publishes every event to all of its sinks concurrently
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink combines sinks, skipping nil entries
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	f := &FanoutSink{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Name implements Sink
func (f *FanoutSink) Name() string {
	return "fanout"
}

// Publish implements Sink and returns the first failure
func (f *FanoutSink) Publish(ctx context.Context, event Event) error {
	var g errgroup.Group
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			return s.Publish(ctx, event)
		})
	}
	return g.Wait()
}

// Len returns the number of combined sinks
func (f *FanoutSink) Len() int {
	return len(f.sinks)
}
