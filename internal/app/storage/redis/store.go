// Package redis implements the short-TTL storage interfaces on Redis:
// webhook locks, cached prices and health-check history.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/tiltvault/backend/internal/app/domain/health"
	"github.com/tiltvault/backend/internal/app/storage"
)

// Store implements Locker, PriceCache and HealthStore on a Redis client.
type Store struct {
	client *goredis.Client
	prefix string
}

var _ storage.Locker = (*Store)(nil)
var _ storage.PriceCache = (*Store)(nil)
var _ storage.HealthStore = (*Store)(nil)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all keys; defaults to "tiltvault".
	Prefix string
}

// New creates a Store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tiltvault"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tiltvault"
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Locker implementation ------------------------------------------------------

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key("lock", key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Store) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key("lock", key)}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// PriceCache implementation --------------------------------------------------

func (s *Store) SetPrice(ctx context.Context, pair string, price float64, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key("price", pair), price, ttl).Err(); err != nil {
		return fmt.Errorf("cache price %s: %w", pair, err)
	}
	return nil
}

func (s *Store) GetPrice(ctx context.Context, pair string) (float64, error) {
	price, err := s.client.Get(ctx, s.key("price", pair)).Float64()
	if errors.Is(err, goredis.Nil) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get cached price %s: %w", pair, err)
	}
	return price, nil
}

// HealthStore implementation -------------------------------------------------

const (
	historyLen = 256
	historyTTL = 24 * time.Hour
)

func (s *Store) RecordReport(ctx context.Context, r health.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	key := s.key("health", "history")
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, historyLen-1)
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record health report: %w", err)
	}
	return nil
}

func (s *Store) ListReports(ctx context.Context, limit int) ([]health.Report, error) {
	if limit <= 0 || limit > historyLen {
		limit = historyLen
	}
	raw, err := s.client.LRange(ctx, s.key("health", "history"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list health reports: %w", err)
	}
	out := make([]health.Report, 0, len(raw))
	for _, item := range raw {
		var r health.Report
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
