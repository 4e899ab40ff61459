package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/logging"
	"contractflow/workflow"
)

// Hub holds one LISTEN connection and fans record changes out to the
// subscribers of each contract.
type Hub struct {
	pool   *pgxpool.Pool
	repo   *Repository
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan workflow.Record]struct{}
}

func NewHub(pool *pgxpool.Pool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		pool:   pool,
		repo:   NewRepository(pool, WithLogger(logger)),
		logger: logger,
		subs:   make(map[string]map[chan workflow.Record]struct{}),
	}
}

// Run listens until ctx is done, reconnecting after connection failures.
func (h *Hub) Run(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	for {
		err := h.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Warn("contract listener dropped", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (h *Hub) listen(ctx context.Context) error {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("contract: acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("contract: listen: %w", err)
	}
	// Changes committed while no listener was attached produced no
	// notification for us.
	h.resync(ctx)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		id, version, err := parseNotifyPayload(n.Payload)
		if err != nil {
			h.logger.Warn("ignoring notification", "err", err)
			continue
		}
		if !h.watched(id) {
			continue
		}
		rec, err := h.repo.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			h.logger.Error("reload notified contract", "contract_id", id, "err", err)
			continue
		}
		if rec.Version < version {
			continue
		}
		h.publish(rec)
	}
}

// Subscribe registers for pushes of contract id until ctx is done.
func (h *Hub) Subscribe(ctx context.Context, id string) (<-chan workflow.Record, error) {
	ch := make(chan workflow.Record, subscriberBuffer)

	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan workflow.Record]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[id], ch)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
		close(ch)
	}()
	return ch, nil
}

func (h *Hub) resync(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		rec, err := h.repo.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				h.logger.Warn("resync contract", "contract_id", id, "err", err)
			}
			continue
		}
		h.publish(rec)
	}
}

func (h *Hub) watched(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id]) > 0
}

func (h *Hub) publish(rec workflow.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[rec.ContractID] {
		offer(ch, Clone(rec))
	}
}
