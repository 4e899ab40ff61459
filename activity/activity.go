package activity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"contractflow/workflow"
)

// ErrInvalidEntry is returned when an entry lacks its contract or action.
var ErrInvalidEntry = errors.New("activity: invalid entry")

// Entry is one audited action on a contract. Entries are append-only.
type Entry struct {
	ID         string
	ContractID string
	Action     workflow.Action
	// ActorRole is the role of the participant who pressed the button.
	ActorRole workflow.Role
	ActorName string
	// OnBehalfOf is set when an admin acted as another role.
	OnBehalfOf  workflow.Role
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// EffectiveRole is the role the action was validated against.
func (e Entry) EffectiveRole() workflow.Role {
	if e.OnBehalfOf != "" {
		return e.OnBehalfOf
	}
	return e.ActorRole
}

func (e Entry) validate() error {
	if e.ID == "" || e.ContractID == "" || e.Action == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Sink stores and lists activity entries keyed by contract.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	// List returns entries oldest first.
	List(ctx context.Context, contractID string) ([]Entry, error)
}

// MemorySink keeps entries in process.
type MemorySink struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make(map[string][]Entry)}
}

func (m *MemorySink) Append(_ context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ContractID] = append(m.entries[e.ContractID], e)
	return nil
}

func (m *MemorySink) List(_ context.Context, contractID string) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, len(m.entries[contractID]))
	copy(out, m.entries[contractID])
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
