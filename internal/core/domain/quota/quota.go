package quota

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLimitReached is returned by the ledger when a conditional increment finds
// the record already at or over its limit.
var ErrLimitReached = errors.New("quota limit reached")

// ErrRecordNotFound is returned when no ledger record exists for the pair.
var ErrRecordNotFound = errors.New("quota record not found")

// Unlimited is the limit sentinel for plans with no cap.
const Unlimited int64 = -1

// WarningThresholds are the usage percentages at which a warning is sent,
// each at most once per accounting period.
var WarningThresholds = []int{80, 90, 100}

// Record is the enforcement source of truth for one (user, resource) pair.
// Used is monotonically non-decreasing within a period and only ever mutated
// through conditional updates evaluated by the store.
type Record struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	ResourceType   string    `json:"resource_type" db:"resource_type"`
	Used           int64     `json:"used" db:"used"`
	Limit          int64     `json:"limit" db:"limit"`
	ResetAt        time.Time `json:"reset_at" db:"reset_at"`
	Warning80Sent  bool      `json:"warning_80_sent" db:"warning_80_sent"`
	Warning90Sent  bool      `json:"warning_90_sent" db:"warning_90_sent"`
	Warning100Sent bool      `json:"warning_100_sent" db:"warning_100_sent"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Percent returns the integer usage percentage, floored.
func (r *Record) Percent() int {
	return UsagePercent(r.Used, r.Limit)
}

// WarningSent reports whether the warning for the given threshold has already
// been sent this period.
func (r *Record) WarningSent(threshold int) bool {
	switch threshold {
	case 80:
		return r.Warning80Sent
	case 90:
		return r.Warning90Sent
	case 100:
		return r.Warning100Sent
	}
	return false
}

// UsagePercent computes used/limit as a floored integer percentage.
func UsagePercent(used, limit int64) int {
	if limit <= 0 {
		return 0
	}
	return int(used * 100 / limit)
}

// UsageLogEntry is one append-only consumption event. The ledger record, not
// this log, is the enforcement source of truth; entries feed analytics.
type UsageLogEntry struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	UserID       uuid.UUID      `json:"user_id" db:"user_id"`
	ResourceType string         `json:"resource_type" db:"resource_type"`
	Quantity     int64          `json:"quantity" db:"quantity"`
	Metadata     map[string]any `json:"metadata,omitempty" db:"metadata"`
	Timestamp    time.Time      `json:"timestamp" db:"timestamp"`
}

// ConsumeResult is the outcome of a check-and-consume call. It is always a
// value, never an error: callers branch on Allowed.
type ConsumeResult struct {
	Allowed   bool  `json:"allowed"`
	Unlimited bool  `json:"unlimited"`
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}
