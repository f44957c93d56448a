package services

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/ratelimit"
	"github.com/meterline/usage-plane/internal/core/ports"
)

// RateLimiterService implements a fixed-window limiter on top of a
// WindowCounterStore. Instances differ only in configuration; the service
// holds no per-key state of its own.
type RateLimiterService struct {
	store       ports.WindowCounterStore
	name        string
	window      time.Duration
	maxRequests int
	logger      *logrus.Logger
	now         func() time.Time
}

// RateLimiterConfig groups configuration parameters for one limiter instance.
type RateLimiterConfig struct {
	// Name identifies the instance in logs and metrics (api, auth, chat).
	Name        string
	Window      time.Duration
	MaxRequests int
	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

func NewRateLimiterService(store ports.WindowCounterStore, cfg *RateLimiterConfig, logger *logrus.Logger) *RateLimiterService {
	// Apply defaults
	name := "api"
	w := time.Minute
	max := 100
	now := time.Now
	if cfg != nil {
		if cfg.Name != "" {
			name = cfg.Name
		}
		if cfg.Window > 0 {
			w = cfg.Window
		}
		if cfg.MaxRequests > 0 {
			max = cfg.MaxRequests
		}
		if cfg.Now != nil {
			now = cfg.Now
		}
	}
	return &RateLimiterService{store: store, name: name, window: w, maxRequests: max, logger: logger, now: now}
}

// Name returns the instance name for logs and metrics.
func (s *RateLimiterService) Name() string { return s.name }

// Allow consumes one request unit for key and reports the decision. Empty keys
// resolve to the shared anonymous bucket rather than failing; a store error
// fails open.
func (s *RateLimiterService) Allow(ctx context.Context, key string) ratelimit.Decision {
	if key == "" {
		key = ratelimit.AnonymousKey
	}

	count, windowStart, err := s.store.Hit(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"limiter": s.name, "key": key}).WithError(err).Error("rate limiter: counter store unavailable; allowing request")
		}
		return ratelimit.Decision{
			Allowed:   true,
			Limit:     s.maxRequests,
			Remaining: s.maxRequests,
			ResetAt:   s.now().Add(s.window),
		}
	}

	resetAt := windowStart.Add(s.window)
	if count > s.maxRequests {
		retryAfter := int(math.Ceil(resetAt.Sub(s.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"limiter": s.name, "key": key, "count": count, "limit": s.maxRequests}).Debug("rate limiter: request denied")
		}
		return ratelimit.Decision{
			Allowed:    false,
			Limit:      s.maxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}

	return ratelimit.Decision{
		Allowed:   true,
		Limit:     s.maxRequests,
		Remaining: s.maxRequests - count,
		ResetAt:   resetAt,
	}
}
