package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// WindowCounterRedisRepository implements the window counter store on Redis,
// for deployments that need one shared limit across instances. Keys embed the
// truncated window start, so an elapsed window naturally starts a fresh
// counter and old keys expire on their own.
type WindowCounterRedisRepository struct {
	r         redis.Cmdable
	window    time.Duration
	keyPrefix string
}

func NewWindowCounterRedisRepository(r redis.Cmdable, window time.Duration, keyPrefix string) *WindowCounterRedisRepository {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &WindowCounterRedisRepository{r: r, window: window, keyPrefix: keyPrefix}
}

// Hit atomically increments the counter for key in the current window and
// refreshes its expiry.
func (repo *WindowCounterRedisRepository) Hit(ctx context.Context, key string) (int, time.Time, error) {
	now := time.Now()
	windowStart := now.Truncate(repo.window)
	k := fmt.Sprintf("%s:%s:%d", repo.keyPrefix, key, windowStart.Unix())
	ttl := repo.window * 2 // retain overlap window

	pipe := repo.r.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, windowStart, err
	}
	return int(incr.Val()), windowStart, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (repo *WindowCounterRedisRepository) Close() error { return nil }
