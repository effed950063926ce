package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrCapacityExceeded is returned by GetOrCreate when the registry already
// holds the configured maximum number of sessions.
var ErrCapacityExceeded = errors.New("max sessions limit reached")

// Gauge tracks the live session count. Satisfied by prometheus.Gauge; kept as
// an interface so the core does not depend on the metrics stack.
type Gauge interface {
	Set(float64)
}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

// Registry maps client-chosen session ids to live sessions. All operations
// are safe under concurrent callers; the registry lock is held only for map
// bookkeeping, never while signaling waiters.
type Registry struct {
	handshakeTimeout time.Duration
	turnTimeout      time.Duration
	maxSessions      int
	logger           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	gauge    Gauge
}

// NewRegistry creates an empty registry. Sessions it materializes inherit the
// given rendezvous deadlines.
func NewRegistry(handshakeTimeout, turnTimeout time.Duration, maxSessions int) *Registry {
	return &Registry{
		handshakeTimeout: handshakeTimeout,
		turnTimeout:      turnTimeout,
		maxSessions:      maxSessions,
		logger:           slog.Default(),
		sessions:         make(map[string]*Session),
		gauge:            noopGauge{},
	}
}

// SetGauge wires a live-session gauge. Call before serving traffic.
func (r *Registry) SetGauge(g Gauge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g != nil {
		r.gauge = g
	}
}

// GetOrCreate returns the session registered under id, materializing it when
// unseen. The check-then-insert is atomic: concurrent callers naming the same
// id observe the same session, and a full registry never leaks a
// half-constructed one.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if len(r.sessions) >= r.maxSessions {
		return nil, errors.Wrapf(ErrCapacityExceeded, "registry holds %d sessions", len(r.sessions))
	}
	s := New(id, r.handshakeTimeout, r.turnTimeout)
	r.sessions[id] = s
	r.gauge.Set(float64(len(r.sessions)))
	r.logger.Info("session created", "session_id", id, "active_sessions", len(r.sessions))
	return s, nil
}

// Close removes the session and signals any suspended waiters. Idempotent.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.gauge.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if ok {
		s.Close()
		r.logger.Info("session closed", "session_id", id)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns a redacted metadata snapshot of all live sessions.
func (r *Registry) List() []Metadata {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Metadata, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Metadata())
	}
	return out
}

// CleanupExpired removes sessions idle longer than ttl and returns how many
// were evicted. Expired sessions are collected under the registry lock and
// closed after release, so waiters are signalled without blocking lookups.
func (r *Registry) CleanupExpired(ttl time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > ttl {
			delete(r.sessions, id)
			expired = append(expired, s)
		}
	}
	if len(expired) > 0 {
		r.gauge.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
		r.logger.Info("session expired", "session_id", s.ID(), "ttl", ttl)
	}
	return len(expired)
}

// Shutdown closes every session so still-suspended waiters observe failure
// rather than hang. Used by server shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.gauge.Set(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
