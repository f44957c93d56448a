package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/ports"
)

var sf singleflight.Group

// Utility helpers
func cacheSetSilently(c ports.Cache, ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.Set(ctx, key, b, ttl)
}

func cacheGet[T any](c ports.Cache, ctx context.Context, key string) (*T, bool) {
	if c == nil {
		return nil, false
	}
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// CachingSubscriptionRepository decorates a SubscriptionRepository with
// cache-aside plan lookups. Plan resolution sits on the hot path of every
// metered request, so misses are coalesced with singleflight to keep a
// thundering herd off the database.
type CachingSubscriptionRepository struct {
	inner ports.SubscriptionRepository
	cache ports.Cache
	ttl   time.Duration
}

func NewCachingSubscriptionRepository(inner ports.SubscriptionRepository, cache ports.Cache, ttl time.Duration) ports.SubscriptionRepository {
	return &CachingSubscriptionRepository{inner: inner, cache: cache, ttl: ttl}
}

func (c *CachingSubscriptionRepository) GetPlan(ctx context.Context, userID uuid.UUID) (plan.Plan, error) {
	key := "sub:plan:" + userID.String()
	if v, ok := cacheGet[plan.Plan](c.cache, ctx, key); ok {
		return *v, nil
	}

	res, err, _ := sf.Do(key, func() (any, error) {
		if v, ok := cacheGet[plan.Plan](c.cache, ctx, key); ok {
			return *v, nil
		}
		p, err := c.inner.GetPlan(ctx, userID)
		if err != nil {
			return nil, err
		}
		cacheSetSilently(c.cache, ctx, key, p, c.ttl)
		return p, nil
	})
	if err != nil {
		return "", err
	}
	p, ok := res.(plan.Plan)
	if !ok {
		return "", fmt.Errorf("unexpected type from singleflight result")
	}
	return p, nil
}

// GetBillingEmail is a passthrough; warnings are rare enough that caching the
// address buys nothing.
func (c *CachingSubscriptionRepository) GetBillingEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	return c.inner.GetBillingEmail(ctx, userID)
}

// UpsertSubscription writes through and invalidates the cached plan so the
// next metered request sees the new limits.
func (c *CachingSubscriptionRepository) UpsertSubscription(ctx context.Context, userID uuid.UUID, p plan.Plan, billingEmail string) error {
	if err := c.inner.UpsertSubscription(ctx, userID, p, billingEmail); err != nil {
		return err
	}
	if c.cache != nil {
		_ = c.cache.Delete(ctx, "sub:plan:"+userID.String())
	}
	return nil
}
