package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contractflow/workflow"
)

// Querier abstracts pgxpool.Pool for testability.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGSink stores entries in the activity_log table.
type PGSink struct {
	db Querier
}

func NewPGSink(db Querier) *PGSink {
	return &PGSink{db: db}
}

func (s *PGSink) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}

	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	var onBehalfOf any
	if e.OnBehalfOf != "" {
		onBehalfOf = string(e.OnBehalfOf)
	}

	const insertSQL = `
INSERT INTO activity_log (id, contract_id, action, actor_role, actor_name, on_behalf_of, description, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9);
`
	if _, err := s.db.Exec(ctx, insertSQL,
		e.ID, e.ContractID, string(e.Action), string(e.ActorRole), e.ActorName,
		onBehalfOf, e.Description, meta, e.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("activity: insert entry: %w", err)
	}
	return nil
}

func (s *PGSink) List(ctx context.Context, contractID string) ([]Entry, error) {
	const listSQL = `
SELECT id::text, contract_id::text, action, actor_role, actor_name, COALESCE(on_behalf_of, ''), description, metadata, created_at
FROM activity_log
WHERE contract_id = $1
ORDER BY created_at, id
`
	rows, err := s.db.Query(ctx, listSQL, contractID)
	if err != nil {
		return nil, fmt.Errorf("activity: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			action, role, onBehalfOf string
			meta                     []byte
			createdAt                time.Time
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &action, &role, &e.ActorName, &onBehalfOf, &e.Description, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("activity: scan entry: %w", err)
		}
		e.Action = workflow.Action(action)
		e.ActorRole = workflow.Role(role)
		e.OnBehalfOf = workflow.Role(onBehalfOf)
		e.CreatedAt = createdAt.UTC()
		if e.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate entries: %w", err)
	}
	return out, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("activity: marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("activity: unmarshal metadata: %w", err)
	}
	return m, nil
}
