package ratelimit

import "time"

// AnonymousKey is the shared bucket used when no client address can be derived
// from the request. Unrelated unauthenticated clients share this bucket on
// purpose: failing to a common key throttles harder, never softer.
const AnonymousKey = "anonymous"

// Decision is the outcome of one limiter check. Decisions are values, never
// errors; callers branch on Allowed.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, set when denied
}
