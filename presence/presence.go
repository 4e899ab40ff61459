package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"contractflow/workflow"
)

// DefaultTTL is how long an announcement counts as online without a
// heartbeat.
const DefaultTTL = 45 * time.Second

// Presence is one viewer of a contract. It is never persisted.
type Presence struct {
	SessionID   string        `json:"session_id"`
	ContractID  string        `json:"contract_id"`
	Role        workflow.Role `json:"role"`
	DisplayName string        `json:"display_name"`
	At          time.Time     `json:"at"`
	Leaving     bool          `json:"leaving,omitempty"`
}

// Channel broadcasts ephemeral presence for contracts.
type Channel interface {
	Announce(ctx context.Context, p Presence) error
	Leave(ctx context.Context, contractID, sessionID string) error
	// Online lists viewers seen within the TTL, oldest announcement first.
	Online(ctx context.Context, contractID string) ([]Presence, error)
	// Subscribe streams announcements and departures until ctx is done.
	Subscribe(ctx context.Context, contractID string) (<-chan Presence, error)
}

// MemoryChannel is an in-process Channel.
type MemoryChannel struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	viewers map[string]map[string]Presence
	subs    map[string]map[chan Presence]struct{}
}

// MemoryOption configures a MemoryChannel.
type MemoryOption func(*MemoryChannel)

// WithMemoryTTL overrides DefaultTTL.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryChannel) { m.ttl = ttl }
}

// WithMemoryClock overrides time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryChannel) { m.now = now }
}

func NewMemoryChannel(opts ...MemoryOption) *MemoryChannel {
	m := &MemoryChannel{
		ttl:     DefaultTTL,
		now:     time.Now,
		viewers: make(map[string]map[string]Presence),
		subs:    make(map[string]map[chan Presence]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryChannel) Announce(_ context.Context, p Presence) error {
	if p.At.IsZero() {
		p.At = m.now()
	}
	p.Leaving = false

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.viewers[p.ContractID] == nil {
		m.viewers[p.ContractID] = make(map[string]Presence)
	}
	m.viewers[p.ContractID][p.SessionID] = p
	m.broadcast(p)
	return nil
}

func (m *MemoryChannel) Leave(_ context.Context, contractID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.viewers[contractID][sessionID]
	if !ok {
		return nil
	}
	delete(m.viewers[contractID], sessionID)
	p.Leaving = true
	p.At = m.now()
	m.broadcast(p)
	return nil
}

func (m *MemoryChannel) Online(_ context.Context, contractID string) ([]Presence, error) {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	out := make([]Presence, 0, len(m.viewers[contractID]))
	for _, p := range m.viewers[contractID] {
		if p.At.After(cutoff) {
			out = append(out, p)
		}
	}
	m.mu.Unlock()

	sortByArrival(out)
	return out, nil
}

func (m *MemoryChannel) Subscribe(ctx context.Context, contractID string) (<-chan Presence, error) {
	ch := make(chan Presence, 16)

	m.mu.Lock()
	if m.subs[contractID] == nil {
		m.subs[contractID] = make(map[chan Presence]struct{})
	}
	m.subs[contractID][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[contractID], ch)
		close(ch)
	}()
	return ch, nil
}

// broadcast must be called with m.mu held. Presence is lossy.
func (m *MemoryChannel) broadcast(p Presence) {
	for ch := range m.subs[p.ContractID] {
		select {
		case ch <- p:
		default:
		}
	}
}

func sortByArrival(ps []Presence) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].At.Equal(ps[j].At) {
			return ps[i].SessionID < ps[j].SessionID
		}
		return ps[i].At.Before(ps[j].At)
	})
}
