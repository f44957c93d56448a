package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/quota"
	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/internal/infrastructure/db"
)

type quotaRepository struct {
	db     *db.Database
	logger *logrus.Logger
}

// NewQuotaRepository creates the Postgres-backed quota ledger. Every mutation
// is a single conditional UPDATE so concurrent consumers cannot lose updates.
func NewQuotaRepository(database *db.Database, logger *logrus.Logger) ports.QuotaRepository {
	return &quotaRepository{
		db:     database,
		logger: logger,
	}
}

const quotaColumns = `id, user_id, resource_type, used, "limit", reset_at, warning_80_sent, warning_90_sent, warning_100_sent, created_at, updated_at`

// GetOrCreate inserts the record lazily on first consumption; a concurrent
// creator wins via ON CONFLICT DO NOTHING and both callers read the same row.
func (r *quotaRepository) GetOrCreate(ctx context.Context, userID uuid.UUID, resource string, limit int64, resetAt time.Time) (*quota.Record, error) {
	query := `
		INSERT INTO quota_records (id, user_id, resource_type, used, "limit", reset_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, NOW(), NOW())
		ON CONFLICT (user_id, resource_type) DO NOTHING`

	if _, err := r.db.DB.ExecContext(ctx, query, uuid.New(), userID, resource, limit, resetAt); err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource}).WithError(err).Error("db: failed to insert quota record")
		}
		return nil, err
	}
	return r.Get(ctx, userID, resource)
}

func (r *quotaRepository) Get(ctx context.Context, userID uuid.UUID, resource string) (*quota.Record, error) {
	query := `SELECT ` + quotaColumns + ` FROM quota_records WHERE user_id = $1 AND resource_type = $2`

	var rec quota.Record
	if err := r.db.DB.GetContext(ctx, &rec, query, userID, resource); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, quota.ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Rollover resets the period, guarded by the previous reset_at so concurrent
// callers observing the same expired period apply the reset exactly once. The
// limit is rewritten from the current plan so upgrades and downgrades land on
// existing records at the period boundary.
func (r *quotaRepository) Rollover(ctx context.Context, userID uuid.UUID, resource string, prevResetAt, newResetAt time.Time, newLimit int64) (bool, error) {
	query := `
		UPDATE quota_records
		SET used = 0,
		    "limit" = $5,
		    warning_80_sent = FALSE,
		    warning_90_sent = FALSE,
		    warning_100_sent = FALSE,
		    reset_at = $4,
		    updated_at = NOW()
		WHERE user_id = $1 AND resource_type = $2 AND reset_at = $3`

	result, err := r.db.DB.ExecContext(ctx, query, userID, resource, prevResetAt, newResetAt, newLimit)
	if err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource}).WithError(err).Error("db: failed to roll over quota record")
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateLimit rewrites the stored limit mid-period after a plan change. Used
// stays as is; a downgrade below current usage simply denies further
// consumption until the next rollover.
func (r *quotaRepository) UpdateLimit(ctx context.Context, userID uuid.UUID, resource string, limit int64) (*quota.Record, error) {
	query := `
		UPDATE quota_records
		SET "limit" = $3, updated_at = NOW()
		WHERE user_id = $1 AND resource_type = $2
		RETURNING ` + quotaColumns

	var rec quota.Record
	if err := r.db.DB.GetContext(ctx, &rec, query, userID, resource, limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, quota.ErrRecordNotFound
		}
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "limit": limit}).WithError(err).Error("db: failed to update quota limit")
		}
		return nil, err
	}
	return &rec, nil
}

// ConsumeIfBelowLimit is the one write that must never be a read-modify-write:
// the store evaluates used + qty against the persisted value.
func (r *quotaRepository) ConsumeIfBelowLimit(ctx context.Context, userID uuid.UUID, resource string, qty int64) (*quota.Record, error) {
	query := `
		UPDATE quota_records
		SET used = used + $3, updated_at = NOW()
		WHERE user_id = $1 AND resource_type = $2 AND used < "limit"
		RETURNING ` + quotaColumns

	var rec quota.Record
	err := r.db.DB.GetContext(ctx, &rec, query, userID, resource, qty)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "qty": qty}).WithError(err).Error("db: failed to consume quota")
		}
		return nil, err
	}

	// No row matched: either the record does not exist or it is at capacity.
	if _, gerr := r.Get(ctx, userID, resource); gerr != nil {
		return nil, gerr
	}
	return nil, quota.ErrLimitReached
}

// MarkWarningSent flips the flag from false to true; the caller that sees an
// affected row owns sending the notification.
func (r *quotaRepository) MarkWarningSent(ctx context.Context, userID uuid.UUID, resource string, threshold int) (bool, error) {
	var column string
	switch threshold {
	case 80:
		column = "warning_80_sent"
	case 90:
		column = "warning_90_sent"
	case 100:
		column = "warning_100_sent"
	default:
		return false, fmt.Errorf("unknown warning threshold %d", threshold)
	}

	query := fmt.Sprintf(`
		UPDATE quota_records
		SET %s = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND resource_type = $2 AND NOT %s`, column, column)

	result, err := r.db.DB.ExecContext(ctx, query, userID, resource)
	if err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "threshold": threshold}).WithError(err).Error("db: failed to mark quota warning sent")
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
