package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"contractflow/workflow"
)

const subscriberBuffer = 8

// MemoryStore is an in-process Store. Updates and fan-out happen under one
// lock, and sends never block: a slow subscriber loses its oldest pending
// record, which is harmless because every push carries the whole row.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]workflow.Record
	subs    map[string]map[chan workflow.Record]struct{}
	outbox  []OutboxMessage
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]workflow.Record),
		subs:    make(map[string]map[chan workflow.Record]struct{}),
		now:     time.Now,
	}
}

// Put seeds or replaces a record without version checks.
func (m *MemoryStore) Put(r workflow.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now().UTC()
	}
	m.records[r.ContractID] = Clone(r)
}

func (m *MemoryStore) Get(_ context.Context, id string) (workflow.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return workflow.Record{}, ErrNotFound
	}
	return Clone(r), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, expected int64, p workflow.Projection) (workflow.Record, error) {
	if err := ctx.Err(); err != nil {
		return workflow.Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[id]
	if !ok {
		return workflow.Record{}, ErrNotFound
	}
	if prev.Version != expected {
		return workflow.Record{}, fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, prev.Version, expected)
	}

	next := p.Apply(prev)
	next.Version = prev.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.records[id] = Clone(next)

	if prev.WorkflowStatus != next.WorkflowStatus {
		payload, err := json.Marshal(statusChange{
			ContractID: id,
			Previous:   prev.WorkflowStatus,
			Next:       next.WorkflowStatus,
			Step:       next.CurrentStepName,
			Version:    next.Version,
		})
		if err != nil {
			return workflow.Record{}, fmt.Errorf("contract: marshal outbox payload: %w", err)
		}
		m.outbox = append(m.outbox, OutboxMessage{
			ID:        int64(len(m.outbox) + 1),
			Topic:     OutboxTopicStatusChanged,
			Payload:   payload,
			CreatedAt: next.UpdatedAt,
		})
	}

	for ch := range m.subs[id] {
		offer(ch, Clone(next))
	}
	return Clone(next), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan workflow.Record, error) {
	ch := make(chan workflow.Record, subscriberBuffer)

	m.mu.Lock()
	if m.subs[id] == nil {
		m.subs[id] = make(map[chan workflow.Record]struct{})
	}
	m.subs[id][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[id], ch)
		if len(m.subs[id]) == 0 {
			delete(m.subs, id)
		}
		close(ch)
	}()
	return ch, nil
}

// Outbox returns the messages enqueued so far.
func (m *MemoryStore) Outbox() []OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxMessage, len(m.outbox))
	copy(out, m.outbox)
	return out
}

// offer delivers r without blocking, evicting the oldest pending record when
// the buffer is full.
func offer(ch chan workflow.Record, r workflow.Record) {
	select {
	case ch <- r:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- r:
	default:
	}
}
