package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/metrics"
)

const reaperInterval = 10 * time.Second

// Manager owns every live session. Sessions are created on agent connect and
// destroyed on disconnect or idle timeout, releasing all in-flight state.
type Manager struct {
	sessions    sync.Map // id → *Session
	idleTimeout time.Duration
	maxPending  int
	logger      *zap.Logger
}

// NewManager creates a manager. maxPending bounds each session's pending
// queue; idleTimeout tears down sessions with no activity.
func NewManager(idleTimeout time.Duration, maxPending int, logger *zap.Logger) *Manager {
	if maxPending <= 0 {
		maxPending = 64
	}
	return &Manager{
		idleTimeout: idleTimeout,
		maxPending:  maxPending,
		logger:      logger,
	}
}

// Open allocates a session scoped to parent.
func (m *Manager) Open(parent context.Context) *Session {
	s := newSession(parent, m.maxPending)
	m.sessions.Store(s.ID, s)
	metrics.ActiveSessions.Inc()
	m.logger.Info("session opened", zap.String("session_id", s.ID))
	return s
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Close tears down one session, cancelling every in-flight task scoped to it.
func (m *Manager) Close(id, reason string) {
	v, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	s := v.(*Session)
	s.close()
	metrics.ActiveSessions.Dec()
	m.logger.Info("session closed",
		zap.String("session_id", id),
		zap.String("reason", reason),
		zap.Duration("lifetime", time.Since(s.OpenedAt)),
	)
}

// CloseAll tears down every session, used on shutdown.
func (m *Manager) CloseAll(reason string) {
	m.sessions.Range(func(key, _ any) bool {
		m.Close(key.(string), reason)
		return true
	})
}

// StartReaper closes idle sessions on a fixed cadence until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reap()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) reap() {
	m.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		if s.IdleFor() > m.idleTimeout {
			m.Close(key.(string), "idle timeout")
		}
		return true
	})
}

// Info is the read-only per-session view exported by the control surface.
type Info struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	OpenedAt  time.Time `json:"opened_at"`
	Pending   int       `json:"pending"`
	FramesIn  int64     `json:"frames_in"`
	FramesOut int64     `json:"frames_out"`
	Allowed   int64     `json:"allowed"`
	Denied    int64     `json:"denied"`
}

// Snapshot returns counters for every live session.
func (m *Manager) Snapshot() []Info {
	var out []Info
	m.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		out = append(out, Info{
			ID:        s.ID,
			State:     s.State().String(),
			OpenedAt:  s.OpenedAt,
			Pending:   s.PendingLen(),
			FramesIn:  s.Counters.FramesIn.Load(),
			FramesOut: s.Counters.FramesOut.Load(),
			Allowed:   s.Counters.Allowed.Load(),
			Denied:    s.Counters.Denied.Load(),
		})
		return true
	})
	return out
}
