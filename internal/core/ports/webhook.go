package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/meterline/usage-plane/internal/core/domain/webhook"
)

// WebhookHandler processes one event payload. Handlers are supplied by the
// caller per event type; a returned error sends the event down the retry path.
type WebhookHandler func(ctx context.Context, payload json.RawMessage) error

// WebhookEventRepository is the durable event store. Status transitions are
// conditional updates so that concurrent processors cannot both win the same
// transition.
type WebhookEventRepository interface {
	Create(ctx context.Context, event *webhook.Event) error

	// GetByID returns the event or webhook.ErrEventNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*webhook.Event, error)

	// MarkProcessing transitions pending -> processing. Returns true only for
	// the caller that won the transition.
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error

	// ScheduleRetry increments retry_count by one and returns the event to
	// pending for a later attempt.
	ScheduleRetry(ctx context.Context, id uuid.UUID, lastError string) error

	// ResetForRetry is the manual override: pending with retry_count 0,
	// regardless of current status.
	ResetForRetry(ctx context.Context, id uuid.UUID) error

	// ReleaseStale returns events stuck in processing since before cutoff to
	// pending. A processor that crashed after winning the processing
	// transition leaves its event stranded; releasing it lets the
	// reconciliation sweep pick it up again. Returns the number released.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)

	ListByStatus(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error)
	CountByStatus(ctx context.Context) (*webhook.Stats, error)
}

// WebhookService drives events through at-most-once successful processing
// with bounded, backed-off retries.
type WebhookService interface {
	// Record persists an inbound event as pending. Failure to record is a hard
	// error: the event would otherwise be silently dropped.
	Record(ctx context.Context, source, eventType string, payload json.RawMessage) (uuid.UUID, error)

	// Process runs the state machine for one event. Handler failures are
	// reported in the result, never as errors. A nil handler falls back to
	// the handler registered for the event's type.
	Process(ctx context.Context, id uuid.UUID, handler WebhookHandler) (webhook.ProcessResult, error)

	// ProcessNow composes Record and Process for synchronous webhook endpoints.
	ProcessNow(ctx context.Context, source, eventType string, payload json.RawMessage, handler WebhookHandler) (uuid.UUID, webhook.ProcessResult, error)

	// Retry resets the event and processes it again, for manual recovery of
	// events the automatic scheduler gave up on.
	Retry(ctx context.Context, id uuid.UUID, handler WebhookHandler) (webhook.ProcessResult, error)

	// RegisterHandler binds a handler to an event type so scheduled retries
	// and the reconciliation sweep can re-dispatch without a caller present.
	RegisterHandler(eventType string, handler WebhookHandler)

	// Handler returns the registered handler for eventType, if any.
	Handler(eventType string) (WebhookHandler, bool)

	EventsByStatus(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error)
	Stats(ctx context.Context) (*webhook.Stats, error)
}
