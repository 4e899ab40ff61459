package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"contractflow/logging"
	"contractflow/workflow"
)

// DefaultIdleTimeout is how long a managed session may go unused before it
// is closed and its participant stops being reported online.
const DefaultIdleTimeout = 5 * time.Minute

type key struct {
	contractID string
	role       workflow.Role
	name       string
}

type entry struct {
	ready    chan struct{}
	session  *Session
	err      error
	lastUsed time.Time
}

// Manager shares one initialized Session per (contract, role, display name)
// across request handlers and closes sessions nobody has used recently.
type Manager struct {
	newSession func() *Session
	idle       time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[key]*entry
}

// NewManager creates a Manager building sessions with newSession.
func NewManager(newSession func() *Session) *Manager {
	return &Manager{
		newSession: newSession,
		idle:       DefaultIdleTimeout,
		now:        time.Now,
		logger:     logging.NewNop(),
		entries:    make(map[key]*entry),
	}
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func (m *Manager) WithIdleTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.idle = d
	}
	return m
}

// WithClock overrides time.Now for idle tracking.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithLogger sets the logger used by Run.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

// Open returns the session for the participant, initializing it on first use.
// Concurrent callers for the same participant wait for one initialization.
// Every call counts as use of the session.
func (m *Manager) Open(ctx context.Context, contractID string, role workflow.Role, displayName string) (*Session, error) {
	k := key{contractID: contractID, role: role, name: displayName}

	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		m.entries[k] = e
	}
	e.lastUsed = m.now()
	m.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
			return e.session, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := m.newSession()
	if err := s.Initialize(ctx, contractID, role, displayName); err != nil {
		e.err = err
		m.mu.Lock()
		delete(m.entries, k)
		m.mu.Unlock()
		close(e.ready)
		return nil, err
	}
	e.session = s
	close(e.ready)
	return s, nil
}

// Len reports how many sessions are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reap closes every initialized session unused for longer than the idle
// timeout and returns how many it closed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	var stale []*Session
	for k, e := range m.entries {
		select {
		case <-e.ready:
		default:
			continue // still initializing
		}
		if e.session != nil && e.lastUsed.Before(cutoff) {
			stale = append(stale, e.session)
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range stale {
		errs = append(errs, s.Close(ctx))
	}
	return len(stale), errors.Join(errs...)
}

// Run reaps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.idle / 2
	if interval < time.Second {
		interval = m.idle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.Reap(ctx)
			if err != nil {
				m.logger.Warn("close idle sessions", "err", err)
			}
			if n > 0 {
				m.logger.Debug("closed idle sessions", "count", n)
			}
		}
	}
}

// Close closes every open session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[key]*entry)
	m.mu.Unlock()

	var errs []error
	for _, e := range entries {
		<-e.ready
		if e.session != nil {
			errs = append(errs, e.session.Close(ctx))
		}
	}
	return errors.Join(errs...)
}
