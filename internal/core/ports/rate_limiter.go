package ports

import (
	"context"
	"time"

	"github.com/meterline/usage-plane/internal/core/domain/ratelimit"
)

// WindowCounterStore provides the atomic fixed-window counter underneath the
// rate limiter. Hit increments the counter for key in the current window,
// resetting it first if the window has elapsed, and returns the post-increment
// count together with the window start. Implementations must be safe for
// concurrent use; swapping the in-memory store for a shared one (e.g. Redis)
// changes deployment scope without touching the limiter.
type WindowCounterStore interface {
	Hit(ctx context.Context, key string) (count int, windowStart time.Time, err error)
	// Close releases background resources (sweep goroutines, connections).
	Close() error
}

// RateLimiter decorates a request with an allow/deny decision for a
// caller-supplied key. Allow never fails: a store error is logged and the
// request is allowed through (fail open), since the limiter protects
// throughput, not correctness.
type RateLimiter interface {
	// Name identifies the limiter instance in logs, metrics and headers.
	Name() string
	Allow(ctx context.Context, key string) ratelimit.Decision
}
