package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache entries inside a shared Redis database.
const DefaultRedisPrefix = "openfda:cache:"

// clearBatch is the SCAN page size used by Clear and Len.
const clearBatch = 500

// RedisStore is a Store shared by every gateway replica pointing at the same Redis.
// Entries expire in Redis after the TTL; reads also check StoredAt so the
// now - StoredAt < TTL rule holds regardless of Redis expiry granularity.
type RedisStore struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides DefaultRedisPrefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisClock replaces time.Now, for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	s := &RedisStore{
		redis:  redisClient,
		ttl:    ttl,
		prefix: DefaultRedisPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves a fresh entry by key.
// Returns ErrCacheMiss if the key doesn't exist or the entry is stale.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(LayerRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if !entry.IsFresh(s.now(), s.ttl) {
		_ = s.Delete(ctx, key)
		CacheEvictions.WithLabelValues(LayerRedis, "expired").Inc()
		CacheMisses.WithLabelValues(LayerRedis).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(LayerRedis).Inc()
	return &entry, nil
}

// Set stores data with StoredAt = now and a Redis expiry equal to the TTL.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte) error {
	return s.SetAt(ctx, key, data, s.now())
}

// SetAt stores data with the given StoredAt. The Redis expiry is the time
// the entry has left.
func (s *RedisStore) SetAt(ctx context.Context, key string, data []byte, storedAt time.Time) error {
	entry := Entry{Data: data, StoredAt: storedAt}
	left := entry.Remaining(s.now(), s.ttl)
	if left <= 0 {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.prefix+key, payload, left).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cache entry.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.prefix+key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear deletes every key under the store prefix. Other data in the database is untouched.
func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+"*", clearBatch).Result()
		if err != nil {
			CacheErrors.WithLabelValues("clear").Inc()
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			if err := s.redis.Del(ctx, keys...).Err(); err != nil {
				CacheErrors.WithLabelValues("clear").Inc()
				return fmt.Errorf("redis del: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Len counts keys under the store prefix.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+"*", clearBatch).Result()
		if err != nil {
			CacheErrors.WithLabelValues("len").Inc()
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		total += len(keys)

		cursor = next
		if cursor == 0 {
			CacheEntries.WithLabelValues(LayerRedis).Set(float64(total))
			return total, nil
		}
	}
}
