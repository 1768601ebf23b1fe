// Package session owns the per-connection state of the proxy: one Session
// per agent connection, each with an exclusively owned, ordered
// pending-response queue.
//
// Ordering guarantee: within a session, responses are delivered in the order
// their requests were admitted, regardless of the completion order of the
// underlying policy or forwarding calls. Correlation ids, not response
// arrival order, determine the match.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateActive State = iota
	StateDegraded
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	default:
		return "closed"
	}
}

// Admission and delivery errors.
var (
	ErrQueueFull     = errors.New("session: pending queue full")
	ErrDuplicateID   = errors.New("session: duplicate correlation id in flight")
	ErrSessionClosed = errors.New("session: closed")
)

// slot is one admitted request awaiting its response.
type slot struct {
	key   string
	rawID json.RawMessage
	ready bool
	frame []byte
}

// Counters tracks per-session activity for the control surface.
type Counters struct {
	FramesIn  atomic.Int64
	FramesOut atomic.Int64
	Allowed   atomic.Int64
	Denied    atomic.Int64
}

// Session is one agent connection. The pending queue is owned exclusively by
// this session; no cross-session mutation is permitted.
type Session struct {
	ID       string
	OpenedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	queue        []*slot
	byKey        map[string]*slot

	// sendMu serializes head-of-queue delivery so concurrent resolvers
	// cannot interleave ready frames out of admission order.
	sendMu sync.Mutex
	out    chan []byte

	maxPending int
	Counters   Counters
}

func newSession(parent context.Context, maxPending int) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           uuid.New().String(),
		OpenedAt:     time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateActive,
		lastActivity: time.Now(),
		byKey:        make(map[string]*slot),
		out:          make(chan []byte, maxPending),
		maxPending:   maxPending,
	}
}

// Context is cancelled when the session closes; every policy-decision and
// forwarding task for this session must be scoped to it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Out delivers outbound frames in order. The agent-facing writer is the sole
// reader.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records activity, deferring the idle timeout.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been inactive.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Admit reserves an ordered delivery slot for a request. The response — real
// or synthesized — must later arrive via Resolve with the same key.
func (s *Session) Admit(key string, rawID json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if len(s.queue) >= s.maxPending {
		return ErrQueueFull
	}
	if _, exists := s.byKey[key]; exists {
		return ErrDuplicateID
	}
	sl := &slot{key: key, rawID: rawID}
	s.queue = append(s.queue, sl)
	s.byKey[key] = sl
	s.lastActivity = time.Now()
	return nil
}

// Resolve marks the slot for key ready with the given outbound frame and
// delivers every contiguous ready frame from the head of the queue. Returns
// false when no slot matches (the caller should pass the frame through).
func (s *Session) Resolve(key string, frame []byte) bool {
	s.mu.Lock()
	sl, ok := s.byKey[key]
	if !ok || sl.ready {
		s.mu.Unlock()
		return false
	}
	sl.ready = true
	sl.frame = frame
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.deliverReady()
	return true
}

// Passthrough sends a non-correlated frame (server notification, stray
// response) to the agent without touching the pending queue.
func (s *Session) Passthrough(frame []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.send(frame)
}

// deliverReady pops ready slots strictly from the head and sends them.
// Only one goroutine delivers at a time, so admission order is preserved
// even when resolutions race.
func (s *Session) deliverReady() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || !s.queue[0].ready {
			s.mu.Unlock()
			return
		}
		sl := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.byKey, sl.key)
		s.mu.Unlock()

		if !s.send(sl.frame) {
			return
		}
	}
}

// send writes to the out channel, honoring backpressure from the agent's
// stream and session cancellation.
func (s *Session) send(frame []byte) bool {
	select {
	case s.out <- frame:
		s.Counters.FramesOut.Add(1)
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Degrade marks the session degraded and resolves every outstanding slot, in
// admission order, with a frame built by synth from the original request id.
// Used when the executor becomes unreachable: the session stays open while
// reconnection runs.
func (s *Session) Degrade(synth func(rawID json.RawMessage) []byte) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDegraded
	for _, sl := range s.queue {
		if !sl.ready {
			sl.ready = true
			sl.frame = synth(sl.rawID)
		}
	}
	s.mu.Unlock()

	s.deliverReady()
}

// Recover returns a degraded session to active after a successful reconnect.
func (s *Session) Recover() {
	s.mu.Lock()
	if s.state == StateDegraded {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// close tears the session down: cancels all scoped work and releases the
// pending queue without emitting further responses.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.queue = nil
	s.byKey = map[string]*slot{}
	s.mu.Unlock()
	s.cancel()
}

// PendingLen reports the number of in-flight requests.
func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
