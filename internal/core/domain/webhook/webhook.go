package webhook

import (
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrEventNotFound is returned when no event exists for the given id.
var ErrEventNotFound = errors.New("webhook event not found")

// Status is the processing state of an inbound event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// ValidTransitions returns the statuses reachable from the current one.
// Success and failed are terminal; a manual retry reset bypasses this table.
func (s Status) ValidTransitions() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusProcessing, StatusFailed}
	case StatusProcessing:
		return []Status{StatusSuccess, StatusPending}
	case StatusSuccess, StatusFailed:
		return []Status{}
	default:
		return []Status{}
	}
}

// IsValidTransition checks whether moving to newStatus is allowed.
func (s Status) IsValidTransition(newStatus Status) bool {
	return slices.Contains(s.ValidTransitions(), newStatus)
}

// Valid reports whether s names a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Event is the durable record of one inbound provider callback. The payload is
// captured verbatim at receipt; the event doubles as the idempotency and audit
// record and is never deleted.
type Event struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Source     string          `json:"source" db:"source"`
	EventType  string          `json:"event_type" db:"event_type"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	Status     Status          `json:"status" db:"status"`
	RetryCount int             `json:"retry_count" db:"retry_count"`
	LastError  string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// ProcessResult is the outcome of a processing attempt. Handler failures are
// reported here as values; only store unavailability surfaces as an error.
type ProcessResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Stats holds per-status event counts for the operations dashboard.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
}
