package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"contractflow/workflow"
)

// SQLiteSink is an embedded audit log. It expects an *sql.DB opened with the
// "sqlite" driver from modernc.org/sqlite.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink initializes the schema in db and returns the sink.
func NewSQLiteSink(ctx context.Context, db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS activity_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			contract_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor_role TEXT NOT NULL,
			actor_name TEXT NOT NULL DEFAULT '',
			on_behalf_of TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS activity_log_contract_idx ON activity_log (contract_id, created_at, seq);`,
	)
	if err != nil {
		return fmt.Errorf("activity: init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, contract_id, action, actor_role, actor_name, on_behalf_of, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.ContractID,
		string(e.Action),
		string(e.ActorRole),
		e.ActorName,
		string(e.OnBehalfOf),
		e.Description,
		string(meta),
		e.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("activity: insert sqlite entry: %w", err)
	}
	return nil
}

func (s *SQLiteSink) List(ctx context.Context, contractID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, action, actor_role, actor_name, on_behalf_of, description, metadata, created_at
		FROM activity_log
		WHERE contract_id = ?
		ORDER BY created_at, seq`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("activity: list sqlite entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			action, role, onBehalfOf string
			meta                     string
			createdAt                int64
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &action, &role, &e.ActorName, &onBehalfOf, &e.Description, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("activity: scan sqlite entry: %w", err)
		}
		e.Action = workflow.Action(action)
		e.ActorRole = workflow.Role(role)
		e.OnBehalfOf = workflow.Role(onBehalfOf)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		if e.Metadata, err = unmarshalMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
