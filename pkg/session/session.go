package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/realtime"
	"callcoach-server/pkg/util"

	"github.com/sirupsen/logrus"
)

// State is a session lifecycle phase
type State int32

const (
	StateStarting State = iota
	StateActive
	StateEnding
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Config controls session processing
type Config struct {
	Extractor        realtime.ExtractorConfig
	Rules            []coaching.Rule
	MetricsTick      time.Duration
	EvaluationTick   time.Duration
	SnapshotInterval time.Duration
	GracePeriod      time.Duration
	InboxSize        int
	OutboxSize       int
	PublishTimeout   time.Duration
}

// DefaultConfig returns the production timings with the default rule catalog
func DefaultConfig() Config {
	return Config{
		Extractor:        realtime.DefaultExtractorConfig(),
		Rules:            coaching.DefaultRules(),
		MetricsTick:      100 * time.Millisecond,
		EvaluationTick:   500 * time.Millisecond,
		SnapshotInterval: time.Second,
		GracePeriod:      5 * time.Second,
		InboxSize:        512,
		OutboxSize:       64,
		PublishTimeout:   2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Rules == nil {
		c.Rules = d.Rules
	}
	if c.MetricsTick <= 0 {
		c.MetricsTick = d.MetricsTick
	}
	if c.EvaluationTick <= 0 {
		c.EvaluationTick = d.EvaluationTick
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = d.OutboxSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	return c
}

// Session processes one call's audio on a dedicated goroutine. Producers hand
// it chunks through Submit; ticks and evaluation run on the same goroutine so
// the pipeline needs no locking. Output goes through a bounded outbox drained
// by a separate forwarder so a slow sink never stalls processing.
type Session struct {
	ID         string
	CallID     string
	Generation uint64
	CreatedAt  time.Time

	cfg    Config
	logger *logrus.Entry
	panics *util.PanicHandler
	now    func() time.Time

	state    atomic.Int32
	emitMu   sync.Mutex
	inbox    chan realtime.AudioChunk
	outbox   chan Event
	pipeline *Pipeline
	snapshot atomic.Pointer[realtime.WindowedMetrics]

	ctx    context.Context
	cancel context.CancelFunc

	loopDone  chan struct{}
	fwdDone   chan struct{}
	destroyed chan struct{}
	expedite  chan struct{}

	endOnce      sync.Once
	expediteOnce sync.Once
	endReason    atomic.Value
	onDestroy    func(*Session)
}

func newSession(id, callID string, generation uint64, cfg Config, logger *logrus.Logger, now func() time.Time) *Session {
	created := now()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:         id,
		CallID:     callID,
		Generation: generation,
		CreatedAt:  created,
		cfg:        cfg,
		logger: logger.WithFields(logrus.Fields{
			"session_id": id,
			"call_id":    callID,
		}),
		panics:    util.NewPanicHandler(logger),
		now:       now,
		inbox:     make(chan realtime.AudioChunk, cfg.InboxSize),
		outbox:    make(chan Event, cfg.OutboxSize),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
		fwdDone:   make(chan struct{}),
		destroyed: make(chan struct{}),
		expedite:  make(chan struct{}),
	}
	s.pipeline = NewPipeline(cfg.Extractor, cfg.Rules, created, s.logger)
	s.storeSnapshot()
	return s
}

// start launches the processing loop and the sink forwarder and announces the stream
func (s *Session) start(sink Sink) {
	s.notify(Event{Type: EventStreamStarted})

	s.panics.SafeGo("session_forwarder", func() {
		s.forward(sink)
	})
	s.panics.SafeGoWithCallback("session_loop", s.run, func(interface{}) {
		s.End("internal_error")
	})
	// an End racing with creation wins
	s.state.CompareAndSwap(int32(StateStarting), int32(StateActive))
}

// State returns the current lifecycle phase
func (s *Session) State() State {
	return State(s.state.Load())
}

// Submit queues a chunk for processing without blocking. Chunks for unknown
// tracks are dropped silently; a full queue drops the chunk and reports ErrQueueFull.
func (s *Session) Submit(chunk realtime.AudioChunk) error {
	if st := s.State(); st != StateActive {
		metrics.RecordAudioChunkDropped("not_active")
		return errors.NewSessionNotActive(s.ID, st.String())
	}
	if !chunk.Track.Valid() {
		metrics.RecordAudioChunkDropped("unknown_track")
		return nil
	}
	if chunk.ArrivalTime.IsZero() {
		chunk.ArrivalTime = s.now()
	}

	select {
	case s.inbox <- chunk:
		metrics.RecordAudioChunk(string(chunk.Track))
		return nil
	default:
		metrics.RecordAudioChunkDropped("queue_full")
		return errors.Wrap(errors.ErrQueueFull, "audio chunk dropped", map[string]interface{}{
			"session_id": s.ID,
			"track":      chunk.Track,
		})
	}
}

func (s *Session) run() {
	defer close(s.loopDone)

	metricsTicker := time.NewTicker(s.cfg.MetricsTick)
	defer metricsTicker.Stop()
	evalTicker := time.NewTicker(s.cfg.EvaluationTick)
	defer evalTicker.Stop()

	var snapshots <-chan time.Time
	if s.cfg.SnapshotInterval > 0 {
		snapshotTicker := time.NewTicker(s.cfg.SnapshotInterval)
		defer snapshotTicker.Stop()
		snapshots = snapshotTicker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.inbox:
			if s.ctx.Err() != nil {
				return
			}
			s.pipeline.HandleChunk(chunk)
		case <-metricsTicker.C:
			if s.ctx.Err() != nil {
				return
			}
			s.pipeline.MetricsTick(s.now())
			s.storeSnapshot()
		case <-evalTicker.C:
			if s.ctx.Err() != nil {
				return
			}
			s.evaluate(s.now())
		case <-snapshots:
			if s.ctx.Err() != nil {
				return
			}
			snap := s.Snapshot()
			s.notify(Event{Type: EventMetrics, Metrics: &snap})
		}
	}
}

func (s *Session) evaluate(now time.Time) {
	observe := metrics.ObserveRuleEvaluation()
	suggestions := s.pipeline.Evaluate(now)
	observe()

	s.storeSnapshot()
	for i := range suggestions {
		s.emitSuggestion(suggestions[i])
	}
}

func (s *Session) emitSuggestion(suggestion coaching.Suggestion) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.State() != StateActive {
		metrics.RecordSuggestionDropped("session_ending")
		return
	}

	event := Event{
		Type:       EventSuggestion,
		SessionID:  s.ID,
		CallID:     s.CallID,
		Timestamp:  suggestion.Timestamp,
		Suggestion: &suggestion,
	}

	select {
	case s.outbox <- event:
		metrics.RecordSuggestion(string(suggestion.Type), string(suggestion.Severity))
		s.logger.WithFields(logrus.Fields{
			"rule":     suggestion.Type,
			"severity": suggestion.Severity,
		}).Info("Coaching suggestion emitted")
	default:
		metrics.RecordSuggestionDropped("outbox_full")
		s.logger.WithField("rule", suggestion.Type).Warn("Outbox full, dropping suggestion")
	}
}

// notify queues a lifecycle or snapshot event without blocking
func (s *Session) notify(event Event) {
	event.SessionID = s.ID
	event.CallID = s.CallID
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	select {
	case s.outbox <- event:
	default:
		s.logger.WithField("event", event.Type).Warn("Outbox full, dropping event")
	}
}

func (s *Session) forward(sink Sink) {
	defer close(s.fwdDone)

	for event := range s.outbox {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		err := sink.Publish(ctx, event)
		cancel()
		if err != nil {
			metrics.RecordSinkError(sink.Name())
			if event.Type == EventSuggestion {
				metrics.RecordSuggestionDropped("sink_error")
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"sink":  sink.Name(),
				"event": event.Type,
			}).Warn("Failed to publish session event")
		}
	}
}

// End moves the session to ending. Processing stops at once; the call-ended
// notice follows any suggestion already queued, and the session is destroyed
// after the grace period. Calling End again has no effect; it reports whether
// this call performed the transition.
func (s *Session) End(reason string) bool {
	first := false
	s.endOnce.Do(func() {
		first = true
		s.endReason.Store(reason)

		s.emitMu.Lock()
		s.state.Store(int32(StateEnding))
		s.emitMu.Unlock()
		s.cancel()

		metrics.SessionEnded(s.now().Sub(s.CreatedAt))
		s.logger.WithField("reason", reason).Info("Coaching session ending")

		s.panics.SafeGo("session_teardown", func() {
			s.teardown(reason)
		})
	})
	return first
}

func (s *Session) teardown(reason string) {
	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	<-s.loopDone
	snap := s.Snapshot()
	s.notify(Event{Type: EventCallEnded, Reason: reason, Metrics: &snap})

	select {
	case <-grace.C:
	case <-s.expedite:
	}
	s.destroy()
}

func (s *Session) destroy() {
	s.state.Store(int32(StateDestroyed))
	close(s.outbox)
	<-s.fwdDone

	s.pipeline.Release()
	s.pipeline = nil

	if s.onDestroy != nil {
		s.onDestroy(s)
	}
	s.logger.Debug("Coaching session destroyed")
	close(s.destroyed)
}

// Expedite skips the remaining grace period of an ending session
func (s *Session) Expedite() {
	s.expediteOnce.Do(func() {
		close(s.expedite)
	})
}

// Done is closed once the session is destroyed
func (s *Session) Done() <-chan struct{} {
	return s.destroyed
}

// Info summarises the session for listings
func (s *Session) Info() Info {
	return Info{
		SessionID:  s.ID,
		CallID:     s.CallID,
		Generation: s.Generation,
		State:      s.State().String(),
		CreatedAt:  s.CreatedAt,
		EndReason:  s.EndReason(),
	}
}

// EndReason returns why the session ended, or "" while it is running
func (s *Session) EndReason() string {
	reason, _ := s.endReason.Load().(string)
	return reason
}

func (s *Session) storeSnapshot() {
	m := s.pipeline.Metrics()
	s.snapshot.Store(&m)
}

// Snapshot returns the metrics as of the last tick
func (s *Session) Snapshot() realtime.WindowedMetrics {
	if m := s.snapshot.Load(); m != nil {
		return *m
	}
	return realtime.WindowedMetrics{}
}
