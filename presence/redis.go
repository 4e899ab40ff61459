package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"contractflow/logging"
)

// RedisChannel keeps presence in a sorted set of session ids scored by last
// heartbeat plus a hash of the latest announcement per session. Live updates
// go out on a pub/sub channel per contract.
type RedisChannel struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*RedisChannel)

// WithTTL sets how long a heartbeat counts as online.
func WithTTL(ttl time.Duration) Option {
	return func(c *RedisChannel) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *RedisChannel) {
		c.prefix = prefix
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *RedisChannel) {
		c.now = now
	}
}

// WithLogger sets the logger used for dropped messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *RedisChannel) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRedisChannel creates a channel from an existing client.
func NewRedisChannel(client *backend.Client, opts ...Option) *RedisChannel {
	c := &RedisChannel{
		client: client,
		prefix: "contractflow:presence:",
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisChannel) indexKey(contractID string) string {
	return c.prefix + contractID
}

func (c *RedisChannel) infoKey(contractID string) string {
	return c.prefix + contractID + ":info"
}

func (c *RedisChannel) topic(contractID string) string {
	return c.prefix + contractID + ":events"
}

func (c *RedisChannel) Announce(ctx context.Context, p Presence) error {
	if p.ContractID == "" || p.SessionID == "" {
		return errors.New("presence: contract and session ids are required")
	}
	if p.At.IsZero() {
		p.At = c.now()
	}
	p.Leaving = false

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence: marshal announcement: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, c.indexKey(p.ContractID), backend.Z{
		Score:  float64(p.At.UnixMilli()),
		Member: p.SessionID,
	})
	pipe.HSet(ctx, c.infoKey(p.ContractID), p.SessionID, data)
	// Keys outlive the last viewer by one TTL so abandoned contracts clean up.
	pipe.Expire(ctx, c.indexKey(p.ContractID), 2*c.ttl)
	pipe.Expire(ctx, c.infoKey(p.ContractID), 2*c.ttl)
	pipe.Publish(ctx, c.topic(p.ContractID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: announce: %w", err)
	}
	return nil
}

func (c *RedisChannel) Leave(ctx context.Context, contractID, sessionID string) error {
	data, err := json.Marshal(Presence{
		SessionID:  sessionID,
		ContractID: contractID,
		At:         c.now(),
		Leaving:    true,
	})
	if err != nil {
		return fmt.Errorf("presence: marshal leave: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.ZRem(ctx, c.indexKey(contractID), sessionID)
	pipe.HDel(ctx, c.infoKey(contractID), sessionID)
	pipe.Publish(ctx, c.topic(contractID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: leave: %w", err)
	}
	return nil
}

func (c *RedisChannel) Online(ctx context.Context, contractID string) ([]Presence, error) {
	cutoff := c.now().Add(-c.ttl).UnixMilli()

	// Lazy cleanup of expired heartbeats.
	stale, err := c.client.ZRangeByScore(ctx, c.indexKey(contractID), &backend.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list stale: %w", err)
	}
	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, s := range stale {
			members[i] = s
		}
		pipe := c.client.Pipeline()
		pipe.ZRem(ctx, c.indexKey(contractID), members...)
		pipe.HDel(ctx, c.infoKey(contractID), stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("presence: prune: %w", err)
		}
	}

	ids, err := c.client.ZRange(ctx, c.indexKey(contractID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list online: %w", err)
	}
	if len(ids) == 0 {
		return []Presence{}, nil
	}

	vals, err := c.client.HMGet(ctx, c.infoKey(contractID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: load announcements: %w", err)
	}

	out := make([]Presence, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p Presence
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			c.logger.Warn("dropping malformed presence", "contract_id", contractID, "session_id", ids[i], "err", err)
			continue
		}
		out = append(out, p)
	}
	sortByArrival(out)
	return out, nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, contractID string) (<-chan Presence, error) {
	sub := c.client.Subscribe(ctx, c.topic(contractID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("presence: subscribe: %w", err)
	}

	out := make(chan Presence, 16)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var p Presence
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					c.logger.Warn("dropping malformed presence event", "contract_id", contractID, "err", err)
					continue
				}
				select {
				case out <- p:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close closes the redis client.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}
