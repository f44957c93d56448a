package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	impl "github.com/meterline/usage-plane/internal/application/services"
	"github.com/meterline/usage-plane/internal/core/domain/ratelimit"
	"github.com/meterline/usage-plane/test/mocks"
)

func TestAllow_WithinLimit(t *testing.T) {
	windowStart := time.Now()
	store := &mocks.WindowCounterStoreMock{HitFn: func(ctx context.Context, key string) (int, time.Time, error) {
		return 3, windowStart, nil
	}}
	svc := impl.NewRateLimiterService(store, &impl.RateLimiterConfig{Name: "api", Window: time.Minute, MaxRequests: 100}, nil)

	d := svc.Allow(context.Background(), "1.2.3.4")
	if !d.Allowed {
		t.Fatalf("expected request to be allowed")
	}
	if d.Remaining != 97 {
		t.Fatalf("expected remaining 97, got %d", d.Remaining)
	}
	if !d.ResetAt.Equal(windowStart.Add(time.Minute)) {
		t.Fatalf("expected reset at window start + window")
	}
}

func TestAllow_DeniesOverLimit(t *testing.T) {
	now := time.Unix(1000, 0)
	windowStart := now.Add(-10 * time.Second)
	store := &mocks.WindowCounterStoreMock{HitFn: func(ctx context.Context, key string) (int, time.Time, error) {
		return 6, windowStart, nil
	}}
	svc := impl.NewRateLimiterService(store, &impl.RateLimiterConfig{
		Name: "auth", Window: time.Minute, MaxRequests: 5,
		Now: func() time.Time { return now },
	}, nil)

	d := svc.Allow(context.Background(), "1.2.3.4")
	if d.Allowed {
		t.Fatalf("expected request to be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", d.Remaining)
	}
	if d.RetryAfter != 50 {
		t.Fatalf("expected retry after 50s, got %d", d.RetryAfter)
	}
}

func TestAllow_StoreErrorFailsOpen(t *testing.T) {
	store := &mocks.WindowCounterStoreMock{HitFn: func(ctx context.Context, key string) (int, time.Time, error) {
		return 0, time.Time{}, errors.New("store down")
	}}
	svc := impl.NewRateLimiterService(store, &impl.RateLimiterConfig{Name: "api", Window: time.Minute, MaxRequests: 10}, nil)

	d := svc.Allow(context.Background(), "1.2.3.4")
	if !d.Allowed {
		t.Fatalf("expected fail-open on store error")
	}
}

func TestAllow_EmptyKeyUsesAnonymousBucket(t *testing.T) {
	var seenKey string
	store := &mocks.WindowCounterStoreMock{HitFn: func(ctx context.Context, key string) (int, time.Time, error) {
		seenKey = key
		return 1, time.Now(), nil
	}}
	svc := impl.NewRateLimiterService(store, &impl.RateLimiterConfig{Name: "api", Window: time.Minute, MaxRequests: 10}, nil)

	svc.Allow(context.Background(), "")
	if seenKey != ratelimit.AnonymousKey {
		t.Fatalf("expected anonymous bucket, got %q", seenKey)
	}
}

func TestAllow_ExactLimitStillAllowed(t *testing.T) {
	store := &mocks.WindowCounterStoreMock{HitFn: func(ctx context.Context, key string) (int, time.Time, error) {
		return 5, time.Now(), nil
	}}
	svc := impl.NewRateLimiterService(store, &impl.RateLimiterConfig{Name: "auth", Window: time.Minute, MaxRequests: 5}, nil)

	d := svc.Allow(context.Background(), "1.2.3.4")
	if !d.Allowed {
		t.Fatalf("request at exactly the limit should be allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", d.Remaining)
	}
}

func TestAllow_RetryAfterNeverBelowOne(t *testing.T) {
	now := time.Unix(1000, 0)
	// Window almost elapsed; remaining time rounds below one second.
	windowStart := now.Add(-time.Minute + 100*time.Millisecond)
	store := &mocks.WindowCounterStoreMock{HitFn: func(ctx context.Context, key string) (int, time.Time, error) {
		return 11, windowStart, nil
	}}
	svc := impl.NewRateLimiterService(store, &impl.RateLimiterConfig{
		Name: "api", Window: time.Minute, MaxRequests: 10,
		Now: func() time.Time { return now },
	}, nil)

	d := svc.Allow(context.Background(), "1.2.3.4")
	if d.Allowed {
		t.Fatalf("expected denial")
	}
	if d.RetryAfter < 1 {
		t.Fatalf("retry after must be at least 1, got %d", d.RetryAfter)
	}
}
