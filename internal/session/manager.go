package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Manager owns all live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     func() Deps
	logger   *slog.Logger
	base     context.Context
}

// NewManager creates a manager. deps is called once per new session, so
// reloaded credentials only affect sessions created afterwards. Captures are
// cancelled when ctx is done.
func NewManager(ctx context.Context, deps func() Deps, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		deps:     deps,
		logger:   logger,
		base:     ctx,
	}
}

// Create starts a new session.
func (m *Manager) Create() *Session {
	s := newSession(m.base, m.deps(), m.logger)
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.logger.Info("session created", "session", s.ID, "sessions", n)
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove stops and forgets a session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.close()
		m.logger.Info("session removed", "session", id)
	}
}

// Sweep removes sessions with no capture that have been idle longer than maxIdle.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	var stale []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if !s.Capturing() && s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.Remove(id)
	}
	return len(stale)
}

// Shutdown stops every capture.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.close()
		}()
	}
	wg.Wait()
}
