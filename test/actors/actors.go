package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/session"
	"contractflow/workflow"
)

// Stats counts what one participant did.
type Stats struct {
	Performed int
	Conflicts int
	Failures  int
}

// Participant drives one role through every action it owns on a contract.
// It keeps trying until the contract completes or stop closes, treating
// version conflicts and persistence failures as retryable.
func Participant(ctx context.Context, s *session.Session, stop <-chan struct{}) (Stats, error) {
	var st Stats
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-stop:
			return st, nil
		default:
		}
		if s.State().Complete {
			return st, nil
		}

		available := s.Available()
		if len(available) == 0 {
			// Waiting on another role; a push will move us along.
			time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
			continue
		}
		action := available[rand.Intn(len(available))]

		err := s.PerformAction(ctx, action, session.Options{
			Metadata: map[string]any{"actor": "stress"},
		})
		var rej *workflow.RejectionError
		switch {
		case err == nil:
			st.Performed++
		case errors.Is(err, session.ErrConflict):
			st.Conflicts++
		case errors.Is(err, session.ErrPersistence):
			st.Failures++
		case errors.As(err, &rej):
			// Another session of the same role got there first.
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return st, err
		default:
			return st, fmt.Errorf("%s on %s: %w", action, s.ContractID(), err)
		}
		time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them processed.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
