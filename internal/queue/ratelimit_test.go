package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	rl := NewRateLimiter(rdb, 2, time.Hour)
	now := time.Date(2026, 2, 13, 10, 15, 0, 0, time.UTC)

	for i, want := range []Decision{
		{Allowed: true, Used: 1, Remaining: 1},
		{Allowed: true, Used: 2, Remaining: 0},
		{Allowed: false, Used: 3, Remaining: 0},
	} {
		got, err := rl.Allow(ctx, 1, now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if got.Allowed != want.Allowed || got.Used != want.Used || got.Remaining != want.Remaining {
			t.Fatalf("allow#%d: expected %+v, got %+v", i+1, want, got)
		}
		if reset := time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC); !got.ResetAt.Equal(reset) {
			t.Fatalf("allow#%d: expected reset at %s, got %s", i+1, reset, got.ResetAt)
		}
	}

	other, err := rl.Allow(ctx, 2, now)
	if err != nil {
		t.Fatalf("allow other chat: %v", err)
	}
	if !other.Allowed || other.Used != 1 {
		t.Fatalf("expected other chat to have its own window, got %+v", other)
	}

	next, err := rl.Allow(ctx, 1, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("allow next window: %v", err)
	}
	if !next.Allowed || next.Used != 1 {
		t.Fatalf("expected a fresh window, got %+v", next)
	}
}

func TestRateLimiterDefaultsToHourlyWindow(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, 1, 0)
	now := time.Date(2026, 2, 13, 10, 59, 0, 0, time.UTC)

	d, err := rl.Allow(context.Background(), 9, now)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if want := now.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Fatalf("expected reset at %s, got %s", want, d.ResetAt)
	}
}

func TestUpdateDeduplicator(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewUpdateDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	first, err := d.MarkFirst(ctx, 7)
	if err != nil || !first {
		t.Fatalf("expected first sighting, got %v %v", first, err)
	}
	again, err := d.MarkFirst(ctx, 7)
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v %v", again, err)
	}

	mr.FastForward(2 * time.Minute)
	after, err := d.MarkFirst(ctx, 7)
	if err != nil || !after {
		t.Fatalf("expected update to be fresh after ttl, got %v %v", after, err)
	}
}
