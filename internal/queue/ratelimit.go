package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counts a hit and arms the expiry on the first one, atomically.
var countHitScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return hits
`)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// RateLimiter caps /ask questions per chat in fixed windows aligned to the
// window length.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, limit int64, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RateLimiter{redis: rdb, limit: limit, window: window}
}

func (r *RateLimiter) Allow(ctx context.Context, chatID int64, now time.Time) (Decision, error) {
	start := now.UTC().Truncate(r.window)
	reset := start.Add(r.window)
	ttl := max(reset.Sub(now).Milliseconds(), 1)

	key := fmt.Sprintf("quackchat:ask-limit:%d:%d", chatID, start.Unix())
	used, err := countHitScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("count /ask for chat %d: %w", chatID, err)
	}
	return Decision{
		Allowed:   used <= r.limit,
		Used:      used,
		Remaining: max(r.limit-used, 0),
		ResetAt:   reset,
	}, nil
}

// UpdateDeduplicator remembers Telegram update ids so a redelivered update
// is handled once.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether updateID was not seen within the ttl.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	fresh, err := d.redis.SetNX(ctx, fmt.Sprintf("quackchat:update:%d", updateID), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark update %d: %w", updateID, err)
	}
	return fresh, nil
}
