package contract

import (
	"context"
	"errors"
	"time"

	"contractflow/workflow"
)

var (
	// ErrNotFound is returned when no contract row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrVersionConflict signals the row moved past the expected version.
	ErrVersionConflict = errors.New("contract: version conflict")
)

const (
	// OutboxTopicStatusChanged is published whenever workflow_status changes.
	OutboxTopicStatusChanged = "contract.workflow_status_changed"

	// NotifyChannel is the LISTEN/NOTIFY channel carrying record changes.
	NotifyChannel = "contract_changes"
)

// Store is the durable record collaborator of a workflow session.
type Store interface {
	Get(ctx context.Context, id string) (workflow.Record, error)
	// Update writes the projection when the stored version equals expected
	// and returns the record as persisted.
	Update(ctx context.Context, id string, expected int64, p workflow.Projection) (workflow.Record, error)
	// Subscribe delivers the full record after every successful update until
	// ctx is done, then closes the channel.
	Subscribe(ctx context.Context, id string) (<-chan workflow.Record, error)
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

type statusChange struct {
	ContractID string `json:"contract_id"`
	Previous   string `json:"previous"`
	Next       string `json:"next"`
	Step       string `json:"current_step"`
	Version    int64  `json:"version"`
}

// Clone returns a copy of r that shares no maps or pointers with it.
func Clone(r workflow.Record) workflow.Record {
	out := r
	if r.Signoffs != nil {
		out.Signoffs = make(map[workflow.Action]workflow.Signoff, len(r.Signoffs))
		for a, so := range r.Signoffs {
			if so.At != nil {
				at := *so.At
				so.At = &at
			}
			out.Signoffs[a] = so
		}
	}
	if r.StepCompletedAt != nil {
		out.StepCompletedAt = make(map[workflow.Step]time.Time, len(r.StepCompletedAt))
		for s, at := range r.StepCompletedAt {
			out.StepCompletedAt[s] = at
		}
	}
	if r.LastActionAt != nil {
		at := *r.LastActionAt
		out.LastActionAt = &at
	}
	return out
}
