package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("not found")

// KV is a string key-value store. Apply writes every entry of a batch or none
// of them.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Apply(ctx context.Context, b Batch) error
	Close() error
}

type Batch struct {
	Set    map[string]string
	Delete []string
}

func (b *Batch) Put(key, value string) *Batch {
	if b.Set == nil {
		b.Set = map[string]string{}
	}
	b.Set[key] = value
	return b
}

func (b *Batch) Remove(key string) *Batch {
	b.Delete = append(b.Delete, key)
	return b
}

func (b Batch) Empty() bool {
	return len(b.Set) == 0 && len(b.Delete) == 0
}

func (b Batch) validate() error {
	for k := range b.Set {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("empty key in batch")
		}
	}
	for _, k := range b.Delete {
		if _, ok := b.Set[k]; ok {
			return fmt.Errorf("key %q both set and deleted in one batch", k)
		}
	}
	return nil
}

type Options struct {
	Driver      string
	DSN         string
	RedisURL    string
	AutoMigrate bool
}

// Open picks a backend by driver name.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch normalizeDriver(opts.Driver) {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		rdb, err := DialRedis(ctx, opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return newOwnedRedisStore(rdb), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, opts.Driver, opts.DSN, opts.AutoMigrate)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3", "":
		return "sqlite"
	default:
		return d
	}
}

// DialRedis parses a redis:// URL and checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
