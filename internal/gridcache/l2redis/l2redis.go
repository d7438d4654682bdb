// Package l2redis is an optional, shared L2 cache tier sitting behind the
// engine's in-process L1 cache. It is a convenience, never a system of
// record: a miss or error here always falls back to the KV store.
package l2redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Option customizes the underlying Redis client before it dials.
type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

// Tier is a shared, read-through cache tier for fully materialised grid
// cells. It is consulted only after an L1 (in-process) miss.
type Tier struct {
	rdb    *redis.Client
	prefix string
}

// New dials addr and verifies connectivity with a PING.
func New(ctx context.Context, addr, keyPrefix string, opts ...Option) (*Tier, error) {
	if addr == "" {
		return nil, errors.New("l2redis: address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("l2redis: ping %s: %w", addr, err)
	}
	return &Tier{rdb: rdb, prefix: keyPrefix}, nil
}

func (t *Tier) redisKey(cellID string) string {
	return t.prefix + cellID
}

// Get returns the full point set for cellID, and whether it was resident.
// A Redis error is treated as a miss: callers fall through to the store,
// they never propagate an L2 failure as a request failure.
func (t *Tier) Get(cellID string) (map[string][]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := t.rdb.Get(ctx, t.redisKey(cellID)).Bytes()
	if err != nil {
		return nil, false
	}
	var points map[string][]byte
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, false
	}
	return points, true
}

// Put stores the full point set for cellID with ttl. ttl <= 0 means no
// expiry. Failures are swallowed: a write that never reaches L2 just means
// the next reader pays a store scan, not a correctness violation.
func (t *Tier) Put(cellID string, points map[string][]byte, ttl time.Duration) {
	raw, err := json.Marshal(points)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = t.rdb.Set(ctx, t.redisKey(cellID), raw, ttl).Err()
}

// Evict removes cellID from the shared tier.
func (t *Tier) Evict(cellID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = t.rdb.Del(ctx, t.redisKey(cellID)).Err()
}

// Close releases the underlying connection pool.
func (t *Tier) Close() error {
	return t.rdb.Close()
}
