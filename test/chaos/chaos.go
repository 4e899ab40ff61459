package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/contract"
)

// Kills counts terminated backends by target.
type Kills struct {
	Listener int64
	Writers  int64
}

// Monkey terminates contractflow backends while the stress test runs. It
// alternates between the contract hub's LISTEN connection, which forces a
// reconnect and resync, and connections busy writing contracts, which aborts
// an update mid-transaction.
type Monkey struct {
	pool     *pgxpool.Pool
	appName  string
	interval time.Duration

	listener atomic.Int64
	writers  atomic.Int64
}

// New targets backends tagged with appName.
func New(pool *pgxpool.Pool, appName string) *Monkey {
	return &Monkey{pool: pool, appName: appName, interval: 2 * time.Second}
}

const killListener = `
SELECT count(pg_terminate_backend(pid)) FROM pg_stat_activity
WHERE datname = current_database() AND application_name = $1
  AND pid <> pg_backend_pid() AND query ILIKE 'LISTEN %' || $2::text || '%'`

const killWriter = `
SELECT count(pg_terminate_backend(pid)) FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database() AND application_name = $1
      AND pid <> pg_backend_pid()
      AND state IN ('active', 'idle in transaction')
      AND (query ILIKE '%contracts%' OR query ILIKE '%activity_log%')
    ORDER BY random() LIMIT 1
) victims`

// Run kills a backend on roughly a third of the ticks until ctx is done or
// stop is closed.
func (m *Monkey) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			tick++
			var n int64
			if tick%2 == 0 {
				if err := m.pool.QueryRow(ctx, killListener, m.appName, contract.NotifyChannel).Scan(&n); err == nil {
					m.listener.Add(n)
				}
				continue
			}
			if err := m.pool.QueryRow(ctx, killWriter, m.appName).Scan(&n); err == nil {
				m.writers.Add(n)
			}
		}
	}
}

// Kills reports what has been terminated so far.
func (m *Monkey) Kills() Kills {
	return Kills{Listener: m.listener.Load(), Writers: m.writers.Load()}
}
