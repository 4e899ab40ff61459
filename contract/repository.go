package contract

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contractflow/logging"
	"contractflow/workflow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres-backed Store. Every update runs in one
// transaction that locks the row, checks the version, writes the projection,
// enqueues an outbox message when the status label changes and notifies
// listeners.
type Repository struct {
	db     TxBeginner
	hub    *Hub
	logger *slog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithHub routes Subscribe through a LISTEN hub.
func WithHub(h *Hub) RepositoryOption {
	return func(r *Repository) { r.hub = h }
}

// WithLogger sets the repository logger.
func WithLogger(l *slog.Logger) RepositoryOption {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRepository(db TxBeginner, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var selectSQL = func() string {
	var b strings.Builder
	b.WriteString("SELECT c.id::text, c.created_by::text, c.affiliate_id::text, a.owner_id::text")
	for _, col := range workflow.Columns() {
		b.WriteString(", c.")
		b.WriteString(pgx.Identifier{col}.Sanitize())
	}
	b.WriteString(", c.version, c.updated_at FROM contracts c LEFT JOIN affiliates a ON a.id = c.affiliate_id WHERE c.id = $1")
	return b.String()
}()

func (r *Repository) Get(ctx context.Context, id string) (workflow.Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if missing(err) {
			return workflow.Record{}, ErrNotFound
		}
		return workflow.Record{}, fmt.Errorf("contract: get %s: %w", id, err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (workflow.Record, error) {
	var (
		rec                                  workflow.Record
		createdBy, affiliateID, affiliateOwn sql.NullString
		lastAction, lastActionRole           sql.NullString
	)

	actions := workflow.Actions()
	steps := workflow.Steps()
	done := make([]bool, len(actions))
	doneAt := make([]*time.Time, len(actions))
	stepAt := make([]*time.Time, len(steps))

	dest := []any{&rec.ContractID, &createdBy, &affiliateID, &affiliateOwn}
	for i := range actions {
		dest = append(dest, &done[i], &doneAt[i])
	}
	for i := range steps {
		dest = append(dest, &stepAt[i])
	}
	dest = append(dest,
		&rec.CurrentStepName, &rec.WorkflowStatus,
		&lastAction, &lastActionRole, &rec.LastActionAt,
		&rec.Version, &rec.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return workflow.Record{}, err
	}

	rec.CreatedBy = createdBy.String
	rec.AffiliateID = affiliateID.String
	rec.AffiliateOwnerID = affiliateOwn.String
	rec.LastAction = lastAction.String
	rec.LastActionRole = lastActionRole.String
	rec.Signoffs = make(map[workflow.Action]workflow.Signoff, len(actions))
	for i, a := range actions {
		rec.Signoffs[a] = workflow.Signoff{Done: done[i], At: doneAt[i]}
	}
	rec.StepCompletedAt = make(map[workflow.Step]time.Time)
	for i, s := range steps {
		if stepAt[i] != nil {
			rec.StepCompletedAt[s] = *stepAt[i]
		}
	}
	return rec, nil
}

const lockSQL = `
SELECT c.version, c.workflow_status, c.created_by::text, c.affiliate_id::text, a.owner_id::text
FROM contracts c
LEFT JOIN affiliates a ON a.id = c.affiliate_id
WHERE c.id = $1
FOR UPDATE OF c
`

var updateSQL = func() string {
	cols := workflow.Columns()
	sets := make([]string, 0, len(cols)+2)
	for i, col := range cols {
		sets = append(sets, pgx.Identifier{col}.Sanitize()+" = $"+strconv.Itoa(i+1))
	}
	sets = append(sets, "version = version + 1", "updated_at = now()")
	return "UPDATE contracts SET " + strings.Join(sets, ", ") +
		" WHERE id = $" + strconv.Itoa(len(cols)+1) + " RETURNING version, updated_at"
}()

func (r *Repository) Update(ctx context.Context, id string, expected int64, p workflow.Projection) (workflow.Record, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return workflow.Record{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		version                              int64
		status                               string
		createdBy, affiliateID, affiliateOwn sql.NullString
	)
	if err := tx.QueryRow(ctx, lockSQL, id).Scan(&version, &status, &createdBy, &affiliateID, &affiliateOwn); err != nil {
		if missing(err) {
			return workflow.Record{}, ErrNotFound
		}
		return workflow.Record{}, fmt.Errorf("contract: lock row: %w", err)
	}
	if version != expected {
		return workflow.Record{}, fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, version, expected)
	}

	vals := p.Values()
	cols := workflow.Columns()
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		args = append(args, vals[col])
	}
	args = append(args, id)

	rec := p.Apply(workflow.Record{
		ContractID:       id,
		CreatedBy:        createdBy.String,
		AffiliateID:      affiliateID.String,
		AffiliateOwnerID: affiliateOwn.String,
	})
	if err := tx.QueryRow(ctx, updateSQL, args...).Scan(&rec.Version, &rec.UpdatedAt); err != nil {
		return workflow.Record{}, fmt.Errorf("contract: update workflow columns: %w", err)
	}

	if status != rec.WorkflowStatus {
		if err := r.enqueueOutbox(ctx, tx, statusChange{
			ContractID: id,
			Previous:   status,
			Next:       rec.WorkflowStatus,
			Step:       rec.CurrentStepName,
			Version:    rec.Version,
		}); err != nil {
			return workflow.Record{}, err
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, notifyPayload(id, rec.Version)); err != nil {
		return workflow.Record{}, fmt.Errorf("contract: notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return workflow.Record{}, fmt.Errorf("contract: commit update: %w", err)
	}

	r.logger.Debug("contract updated", "contract_id", id, "version", rec.Version, "status", rec.WorkflowStatus)
	return rec, nil
}

func (r *Repository) enqueueOutbox(ctx context.Context, tx pgx.Tx, change statusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, OutboxTopicStatusChanged, payload); err != nil {
		return fmt.Errorf("contract: insert outbox message: %w", err)
	}
	return nil
}

func (r *Repository) Subscribe(ctx context.Context, id string) (<-chan workflow.Record, error) {
	if r.hub == nil {
		return nil, errors.New("contract: notifications not configured")
	}
	return r.hub.Subscribe(ctx, id)
}

// missing reports row-not-found, including ids that are not valid uuids.
func missing(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func notifyPayload(id string, version int64) string {
	return id + ":" + strconv.FormatInt(version, 10)
}

func parseNotifyPayload(s string) (string, int64, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("contract: malformed notification %q", s)
	}
	v, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("contract: malformed notification %q: %w", s, err)
	}
	return s[:i], v, nil
}
