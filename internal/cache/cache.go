// Package cache memoizes verdicts by image content hash so re-uploads of the
// same bytes skip the pipeline.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/store"
)

// ErrMiss is returned by Get when nothing is cached under the key.
var ErrMiss = errors.New("cache miss")

// VerdictCache stores analysis records keyed by content SHA-256.
type VerdictCache interface {
	Get(ctx context.Context, sha string) (*store.Analysis, error)
	Set(ctx context.Context, sha string, a *store.Analysis) error
	Delete(ctx context.Context, sha string) error
}

// ─── In-process ────────────────────────────────────────────────────────

// MemoryCache keeps records in process memory with a TTL.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache expires entries after ttl and sweeps every 2*ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, sha string) (*store.Analysis, error) {
	v, ok := m.c.Get(sha)
	if !ok {
		return nil, ErrMiss
	}
	a := v.(store.Analysis)
	return &a, nil
}

// Set stores a copy so later mutation by the caller is not observed.
func (m *MemoryCache) Set(_ context.Context, sha string, a *store.Analysis) error {
	if a == nil {
		return fmt.Errorf("cache: nil analysis")
	}
	m.c.SetDefault(sha, *a)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, sha string) error {
	m.c.Delete(sha)
	return nil
}

// Len reports the number of unexpired entries.
func (m *MemoryCache) Len() int {
	return m.c.ItemCount()
}

// ─── Redis ─────────────────────────────────────────────────────────────

const redisKeyPrefix = "deepscan:verdict:"

// RedisCache stores JSON-encoded records in Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewRedisCache connects to addr and pings it once.
func NewRedisCache(ctx context.Context, addr string, ttl time.Duration, logger logging.Logger) (*RedisCache, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	logger.Info("connected to redis", logging.Field{Key: "addr", Value: addr})
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(logging.Field{Key: "component", Value: "redis_cache"}),
	}, nil
}

func (r *RedisCache) Get(ctx context.Context, sha string) (*store.Analysis, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+sha).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var a store.Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode cached analysis: %w", err)
	}
	return &a, nil
}

func (r *RedisCache) Set(ctx context.Context, sha string, a *store.Analysis) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+sha, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, sha string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+sha).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// ─── No-op ─────────────────────────────────────────────────────────────

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (*store.Analysis, error) { return nil, ErrMiss }
func (Nop) Set(context.Context, string, *store.Analysis) error   { return nil }
func (Nop) Delete(context.Context, string) error                 { return nil }
