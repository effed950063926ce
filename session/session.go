// Package session implements the rendezvous core: the per-session
// turn-exchange state machine, the registry that materializes sessions on
// demand, and the reaper that evicts idle ones.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// Side identifies one of the two participants in a session. When sides are
// not declared explicitly, A is the participant whose first request arrived
// first.
type Side string

const (
	SideNone Side = ""
	SideA    Side = "A"
	SideB    Side = "B"
)

func (s Side) opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

var (
	// ErrTimeout is returned when no counterpart action occurs within the
	// applicable deadline. The session stays usable afterwards.
	ErrTimeout = errors.New("timed out waiting for counterpart")
	// ErrCancelled is returned when the caller's context is cancelled while
	// suspended, typically because the HTTP client disconnected.
	ErrCancelled = errors.New("request cancelled while waiting for counterpart")
	// ErrSessionClosed is returned to waiters of a session evicted while they
	// were suspended, and to requests arriving on an already-closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSlotConflict signals a request sequence the protocol invariants rule
	// out: a second unconsumed payload for the same side, or a second
	// concurrent waiter on one side.
	ErrSlotConflict = errors.New("delivery slot conflict")
)

// ParseID splits the overloaded model field into a session id and an optional
// declared side. The model field is not a model name here: it identifies the
// rendezvous session, optionally suffixed with "|A" or "|B". Any other suffix
// is part of the id itself.
func ParseID(model string) (string, Side) {
	if id, ok := strings.CutSuffix(model, "|A"); ok && id != "" {
		return id, SideA
	}
	if id, ok := strings.CutSuffix(model, "|B"); ok && id != "" {
		return id, SideB
	}
	return model, SideNone
}

// Metadata is the redacted admin view of a session.
type Metadata struct {
	SessionID      string `json:"session_id"`
	CreatedTS      int64  `json:"created_ts"`
	LastActivityTS int64  `json:"last_activity_ts"`
}

// Session is a single rendezvous instance. Two independent requests naming
// the same session exchange payloads: each caller's content becomes the
// other caller's return value. All state transitions happen under the
// session mutex; the suspension itself happens after it is released.
type Session struct {
	id  string
	uid string // log-only instance id, distinguishes re-created sessions

	handshakeTimeout time.Duration
	turnTimeout      time.Duration
	logger           *slog.Logger

	mu             sync.Mutex
	closed         bool
	sideAConnected bool
	sideBConnected bool
	nextExpected   Side
	pendingForA    *deliverySlot
	pendingForB    *deliverySlot
	bufferForA     *string
	bufferForB     *string
	createdAt      time.Time
	lastActivityAt time.Time
}

// New creates a fresh session with the given rendezvous deadlines.
func New(id string, handshakeTimeout, turnTimeout time.Duration) *Session {
	now := time.Now()
	uid := shortuuid.New()
	return &Session{
		id:               id,
		uid:              uid,
		handshakeTimeout: handshakeTimeout,
		turnTimeout:      turnTimeout,
		logger:           slog.Default().With("session_id", id, "session_uid", uid),
		nextExpected:     SideA,
		createdAt:        now,
		lastActivityAt:   now,
	}
}

// ID returns the client-chosen session identifier.
func (s *Session) ID() string {
	return s.id
}

// Metadata returns the redacted view used by the admin endpoint.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metadata{
		SessionID:      s.id,
		CreatedTS:      s.createdAt.Unix(),
		LastActivityTS: s.lastActivityAt.Unix(),
	}
}

// LastActivity returns the time of the last state transition caused by a
// request on this session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// ProcessRequest runs one request through the state machine and returns the
// counterpart's next payload. senderSide may be SideNone, in which case the
// session's own turn tracker decides whom the request is attributed to.
//
// The first side-blind request on a session is the handshake: its content is
// discarded, it only establishes A's presence. When the very first request
// declares its side, both callers are self-identifying and no blind
// handshake is needed; the content is delivered (or buffered) normally so
// that two concurrent explicit-side openers pair up deterministically.
func (s *Session) ProcessRequest(ctx context.Context, content string, senderSide Side) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.lastActivityAt = time.Now()

	var (
		wait     *deliverySlot
		waitSide Side
		deadline time.Duration
		err      error
	)

	switch {
	case !s.sideAConnected:
		if senderSide == SideNone {
			// Handshake: mark A connected, discard content, wait for B's
			// first payload.
			s.sideAConnected = true
			wait = newDeliverySlot()
			s.pendingForA = wait
			waitSide = SideA
			s.nextExpected = SideB
		} else {
			s.sideAConnected = true
			if senderSide == SideB {
				s.sideBConnected = true
			}
			wait, waitSide, content, err = s.dispatchLocked(senderSide, content)
		}
		deadline = s.handshakeTimeout

	case !s.sideBConnected:
		if senderSide == SideA {
			// A talking again before B ever showed up; park the payload for
			// B and keep waiting.
			wait, waitSide, content, err = s.dispatchLocked(SideA, content)
		} else {
			// Second participant: its content completes A's handshake. If
			// A's waiter already expired the payload has no addressee and is
			// dropped, like the handshake content itself.
			s.sideBConnected = true
			if s.pendingForA != nil {
				s.pendingForA.complete(content, nil)
				s.pendingForA = nil
			}
			if s.bufferForB != nil {
				buffered := *s.bufferForB
				s.bufferForB = nil
				s.nextExpected = SideA
				s.mu.Unlock()
				return buffered, nil
			}
			wait = newDeliverySlot()
			s.pendingForB = wait
			waitSide = SideB
			s.nextExpected = SideA
		}
		deadline = s.turnTimeout

	default:
		effective := senderSide
		if effective == SideNone {
			effective = s.nextExpected
		}
		wait, waitSide, content, err = s.dispatchLocked(effective, content)
		deadline = s.turnTimeout
	}

	s.mu.Unlock()

	if err != nil {
		s.logger.Error("rendezvous dispatch rejected", "error", err)
		return "", err
	}
	if wait == nil {
		// Served synchronously from the buffer.
		return content, nil
	}
	return s.await(ctx, wait, waitSide, deadline)
}

// dispatchLocked runs the both-connected exchange step for the effective
// side: deliver the payload to the counterpart (waiter or buffer), then
// either consume this side's buffered payload or install a waiter. Caller
// holds the session mutex.
//
// Returns (nil, _, payload, nil) for a synchronous buffer hit, or a slot to
// await. A conflicting sequence (occupied buffer, duplicate waiter) returns
// ErrSlotConflict: the invariants prove it cannot arise from a legal request
// order, so it is surfaced loudly instead of overwriting state. Both conflicts
// are detected before anything is mutated, so a rejected request causes no
// state transition at all.
func (s *Session) dispatchLocked(side Side, content string) (*deliverySlot, Side, string, error) {
	opp := side.opposite()

	if s.pending(opp) == nil && s.buffer(opp) != nil {
		return nil, side, "", errors.Wrapf(ErrSlotConflict, "unconsumed payload already buffered for side %s", opp)
	}
	if s.buffer(side) == nil && s.pending(side) != nil {
		return nil, side, "", errors.Wrapf(ErrSlotConflict, "side %s already has a suspended request", side)
	}

	if p := s.pending(opp); p != nil {
		p.complete(content, nil)
		s.setPending(opp, nil)
	} else {
		s.setBuffer(opp, &content)
	}
	s.nextExpected = opp

	if b := s.buffer(side); b != nil {
		s.setBuffer(side, nil)
		return nil, side, *b, nil
	}
	wait := newDeliverySlot()
	s.setPending(side, wait)
	return wait, side, "", nil
}

// await suspends outside the session lock until the slot completes, the
// deadline elapses, or the caller's context is cancelled.
func (s *Session) await(ctx context.Context, slot *deliverySlot, side Side, deadline time.Duration) (string, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-slot.ch:
		return res.payload, res.err
	case <-timer.C:
		return s.abandon(slot, side, ErrTimeout)
	case <-ctx.Done():
		return s.abandon(slot, side, ErrCancelled)
	}
}

// abandon removes a waiter from its slot after a timeout or cancellation. If
// the counterpart completed the slot before the lock was acquired, that
// delivery wins; otherwise the slot is retired so a late payload falls into
// the buffer instead.
func (s *Session) abandon(slot *deliverySlot, side Side, cause error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case res := <-slot.ch:
		return res.payload, res.err
	default:
	}
	slot.done = true
	if s.pending(side) == slot {
		s.setPending(side, nil)
	}
	return "", cause
}

// Close evicts the session. Outstanding waiters observe ErrSessionClosed and
// subsequent requests fail immediately with the same error.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.pendingForA != nil {
		s.pendingForA.complete("", ErrSessionClosed)
		s.pendingForA = nil
	}
	if s.pendingForB != nil {
		s.pendingForB.complete("", ErrSessionClosed)
		s.pendingForB = nil
	}
	s.bufferForA = nil
	s.bufferForB = nil
}

func (s *Session) pending(side Side) *deliverySlot {
	if side == SideA {
		return s.pendingForA
	}
	return s.pendingForB
}

func (s *Session) setPending(side Side, slot *deliverySlot) {
	if side == SideA {
		s.pendingForA = slot
	} else {
		s.pendingForB = slot
	}
}

func (s *Session) buffer(side Side) *string {
	if side == SideA {
		return s.bufferForA
	}
	return s.bufferForB
}

func (s *Session) setBuffer(side Side, payload *string) {
	if side == SideA {
		s.bufferForA = payload
	} else {
		s.bufferForB = payload
	}
}
