package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/realtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Handle identifies one incarnation of a session. The generation lets callers
// detect that the session they hold has since been destroyed.
type Handle struct {
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
}

// Info summarises a registered session
type Info struct {
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id"`
	Generation uint64    `json:"generation"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	EndReason  string    `json:"end_reason,omitempty"`
}

// Registry owns every live session. The lock is taken only to create, look up
// and remove entries; audio and ticks never touch it.
type Registry struct {
	logger *logrus.Logger
	config Config
	sink   Sink
	now    func() time.Time

	mu             sync.RWMutex
	sessions       map[string]*Session
	calls          map[string]string
	lastGeneration uint64
	closed         bool
}

// NewRegistry creates a registry whose sessions publish to sink
func NewRegistry(config Config, sink Sink, logger *logrus.Logger) *Registry {
	return &Registry{
		logger:   logger,
		config:   config.withDefaults(),
		sink:     sink,
		now:      time.Now,
		sessions: make(map[string]*Session),
		calls:    make(map[string]string),
	}
}

// Create starts a session for a call. It fails with ErrDuplicateSession if
// the call already has an active session.
func (r *Registry) Create(callID string) (Handle, error) {
	if callID == "" {
		metrics.SessionRejected("invalid")
		return Handle{}, errors.NewInvalidInput("call id is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.SessionRejected("shutting_down")
		return Handle{}, errors.Wrap(errors.ErrUnavailable, "session registry is shutting down")
	}
	if existingID, ok := r.calls[callID]; ok {
		if existing := r.sessions[existingID]; existing != nil && existing.State() <= StateActive {
			r.mu.Unlock()
			metrics.SessionRejected("duplicate")
			return Handle{}, errors.NewDuplicateSession(callID, existingID)
		}
	}

	r.lastGeneration++
	s := newSession(uuid.New().String(), callID, r.lastGeneration, r.config, r.logger, r.now)
	s.onDestroy = r.remove
	r.sessions[s.ID] = s
	r.calls[callID] = s.ID
	r.mu.Unlock()

	s.start(r.sink)
	metrics.SessionStarted()

	r.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"call_id":    callID,
		"generation": s.Generation,
	}).Info("Coaching session created")

	return Handle{SessionID: s.ID, Generation: s.Generation}, nil
}

// Get returns a registered session by id
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return s, nil
}

// Resolve returns the session a handle refers to. A handle to a session that
// has been destroyed yields ErrStaleHandle.
func (r *Registry) Resolve(h Handle) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[h.SessionID]
	last := r.lastGeneration
	r.mu.RUnlock()

	switch {
	case ok && s.Generation == h.Generation:
		return s, nil
	case ok:
		return nil, errors.NewStaleHandle(h.SessionID, h.Generation, s.Generation)
	case h.Generation > 0 && h.Generation <= last:
		return nil, errors.NewStaleHandle(h.SessionID, h.Generation, 0)
	default:
		return nil, errors.NewSessionNotFound(h.SessionID)
	}
}

// LookupCall returns the handle of the call's current session
func (r *Registry) LookupCall(callID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.calls[callID]
	if !ok {
		return Handle{}, false
	}
	s, ok := r.sessions[id]
	if !ok {
		return Handle{}, false
	}
	return Handle{SessionID: s.ID, Generation: s.Generation}, true
}

// Submit routes a chunk to the session a handle refers to
func (r *Registry) Submit(h Handle, chunk realtime.AudioChunk) error {
	s, err := r.Resolve(h)
	if err != nil {
		return err
	}
	return s.Submit(chunk)
}

// Terminate ends a session. Unknown ids and repeated calls are no-ops.
func (r *Registry) Terminate(sessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok && r.calls[s.CallID] == sessionID {
		delete(r.calls, s.CallID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.WithField("session_id", sessionID).Debug("Terminate for unknown session ignored")
		return
	}
	s.End(reason)
}

// TerminateCall ends the current session of a call, if any
func (r *Registry) TerminateCall(callID, reason string) bool {
	h, ok := r.LookupCall(callID)
	if !ok {
		return false
	}
	r.Terminate(h.SessionID, reason)
	return true
}

// remove drops a destroyed session. A newer session for the same call keeps
// its call mapping.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if current, ok := r.sessions[s.ID]; ok && current == s {
		delete(r.sessions, s.ID)
	}
	if r.calls[s.CallID] == s.ID {
		delete(r.calls, s.CallID)
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"call_id":    s.CallID,
	}).Info("Coaching session removed")
}

// List returns every registered session ordered by creation time
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// ActiveCount returns the number of sessions processing audio
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}

// Len returns the number of registered sessions in any state
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown ends every session, skips their grace periods and waits for them
// to be destroyed
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.calls = make(map[string]string)
	r.mu.Unlock()

	r.logger.WithField("sessions", len(sessions)).Info("Shutting down coaching sessions")

	for _, s := range sessions {
		s.End("shutdown")
		s.Expedite()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "timed out waiting for sessions to finish")
		}
	}
	return nil
}
