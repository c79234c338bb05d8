package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"optiontrader/internal/metrics"
)

// ErrAlreadyRunning rejects a start request for a key whose session has
// not reached a terminal state. At most one live session per key.
var ErrAlreadyRunning = errors.New("session: already running for this key")

// ErrNotFound is returned for operations on an unknown session key.
var ErrNotFound = errors.New("session: not found")

// Key builds the canonical registry key for a trading session.
func Key(user, brokerName, token string, intervalMinutes int) string {
	return fmt.Sprintf("%s:%s:%s:%d", user, brokerName, token, intervalMinutes)
}

type managed struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the session registry: it starts sessions on their own
// goroutines, enforces the one-per-key rule, and exposes status and
// cancellation to the API layer.
type Manager struct {
	log *slog.Logger
	met *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*managed
}

// NewManager creates an empty registry. Metrics may be nil.
func NewManager(logger *slog.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		log:      logger,
		met:      met,
		sessions: make(map[string]*managed),
	}
}

// Start launches s under the manager. The parent ctx bounds the whole
// process; each session gets its own cancelable child so Stop affects
// only one key. Returns ErrAlreadyRunning while a previous session for
// the same key is still live.
func (m *Manager) Start(ctx context.Context, s *Session) error {
	m.mu.Lock()
	if existing, ok := m.sessions[s.Key()]; ok && !existing.session.State().Terminal() {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	child, cancel := context.WithCancel(ctx)
	entry := &managed{session: s, cancel: cancel, done: make(chan struct{})}
	m.sessions[s.Key()] = entry
	m.mu.Unlock()

	if m.met != nil {
		m.met.SessionsActive.Inc()
	}
	m.log.Info("session started", "session", s.Key())

	go func() {
		defer close(entry.done)
		defer cancel()
		err := s.Run(child)
		if m.met != nil {
			m.met.SessionsActive.Dec()
		}
		m.log.Info("session finished", "session", s.Key(), "state", s.State(), "err", err)
	}()
	return nil
}

// Stop cancels a running session and waits for its goroutine to exit.
func (m *Manager) Stop(key string) error {
	m.mu.Lock()
	entry, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	entry.cancel()
	<-entry.done
	return nil
}

// StopAll cancels every session and waits for all of them. Used on
// process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

// StateOf reports a session's lifecycle state.
func (m *Manager) StateOf(key string) (State, error) {
	m.mu.Lock()
	entry, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return entry.session.State(), nil
}

// Snapshot returns the state of every known session, for the API.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.sessions))
	for k, e := range m.sessions {
		out[k] = e.session.State()
	}
	return out
}

// ActiveCount returns how many sessions are not yet terminal.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sessions {
		if !e.session.State().Terminal() {
			n++
		}
	}
	return n
}
