package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every key as a plain redis string. Batches run inside
// MULTI/EXEC.
type RedisStore struct {
	redis *redis.Client
	owned bool
}

var _ KV = (*RedisStore)(nil)

// NewRedisStore wraps a client owned by the caller; Close leaves it open.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{redis: rdb}
}

func newOwnedRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{redis: rdb, owned: true}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Apply(ctx context.Context, b Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range slices.Sorted(maps.Keys(b.Set)) {
			p.Set(ctx, key, b.Set[key], 0)
		}
		if len(b.Delete) > 0 {
			p.Del(ctx, b.Delete...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis batch: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.redis.Close()
}
