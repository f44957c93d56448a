package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/webhook"
	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/internal/infrastructure/db"
)

type webhookEventRepository struct {
	db     *db.Database
	logger *logrus.Logger
}

// NewWebhookEventRepository creates the Postgres-backed webhook event store.
// Events serve as the audit and idempotency record and are never deleted.
func NewWebhookEventRepository(database *db.Database, logger *logrus.Logger) ports.WebhookEventRepository {
	return &webhookEventRepository{
		db:     database,
		logger: logger,
	}
}

const webhookColumns = `id, source, event_type, payload, status, retry_count, last_error, created_at, updated_at`

func (r *webhookEventRepository) Create(ctx context.Context, event *webhook.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = webhook.StatusPending
	}

	query := `
		INSERT INTO webhook_events (id, source, event_type, payload, status, retry_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', NOW(), NOW())`

	_, err := r.db.DB.ExecContext(ctx, query, event.ID, event.Source, event.EventType, []byte(event.Payload), event.Status)
	if err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"source": event.Source, "event_type": event.EventType}).WithError(err).Error("db: failed to insert webhook event")
		}
		return err
	}
	return nil
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*webhook.Event, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE id = $1`

	var event webhook.Event
	if err := r.db.DB.GetContext(ctx, &event, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// MarkProcessing performs the pending -> processing transition conditionally;
// only one of any concurrent callers sees an affected row.
func (r *webhookEventRepository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE webhook_events
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`

	result, err := r.db.DB.ExecContext(ctx, query, id, webhook.StatusProcessing, webhook.StatusPending)
	if err != nil {
		if r.logger != nil {
			r.logger.WithField("event_id", id).WithError(err).Error("db: failed to mark webhook event processing")
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *webhookEventRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, webhook.StatusSuccess, "")
}

func (r *webhookEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.setStatus(ctx, id, webhook.StatusFailed, lastError)
}

func (r *webhookEventRepository) setStatus(ctx context.Context, id uuid.UUID, status webhook.Status, lastError string) error {
	query := `
		UPDATE webhook_events
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.DB.ExecContext(ctx, query, id, status, lastError)
	if err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"event_id": id, "status": status}).WithError(err).Error("db: failed to update webhook event status")
		}
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ScheduleRetry returns the event to pending with the retry counter bumped by
// the store, not by application code.
func (r *webhookEventRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE webhook_events
		SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.DB.ExecContext(ctx, query, id, webhook.StatusPending, lastError)
	if err != nil {
		if r.logger != nil {
			r.logger.WithField("event_id", id).WithError(err).Error("db: failed to schedule webhook retry")
		}
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ResetForRetry is the manual override used by the admin console.
func (r *webhookEventRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE webhook_events
		SET status = $2, retry_count = 0, last_error = '', updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.DB.ExecContext(ctx, query, id, webhook.StatusPending)
	if err != nil {
		if r.logger != nil {
			r.logger.WithField("event_id", id).WithError(err).Error("db: failed to reset webhook event for retry")
		}
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ReleaseStale requeues events stranded in processing by a crashed processor.
// The updated_at guard keeps events whose handler is still running out of the
// sweep as long as the cutoff is older than any reasonable handler runtime.
// updated_at is deliberately not bumped so the released event is already
// stale for the pending scan of the same sweep.
func (r *webhookEventRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE webhook_events
		SET status = $1
		WHERE status = $2 AND updated_at < $3`

	result, err := r.db.DB.ExecContext(ctx, query, webhook.StatusPending, webhook.StatusProcessing, cutoff)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Error("db: failed to release stale processing events")
		}
		return 0, err
	}
	return result.RowsAffected()
}

func (r *webhookEventRepository) ListByStatus(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE status = $1 ORDER BY created_at DESC LIMIT $2`

	var events []*webhook.Event
	if err := r.db.DB.SelectContext(ctx, &events, query, status, limit); err != nil {
		if r.logger != nil {
			r.logger.WithField("status", status).WithError(err).Error("db: failed to list webhook events")
		}
		return nil, err
	}
	return events, nil
}

func (r *webhookEventRepository) CountByStatus(ctx context.Context) (*webhook.Stats, error) {
	query := `SELECT status, COUNT(*) AS count FROM webhook_events GROUP BY status`

	rows, err := r.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &webhook.Stats{}
	for rows.Next() {
		var status webhook.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case webhook.StatusPending:
			stats.Pending = count
		case webhook.StatusProcessing:
			stats.Processing = count
		case webhook.StatusSuccess:
			stats.Success = count
		case webhook.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
