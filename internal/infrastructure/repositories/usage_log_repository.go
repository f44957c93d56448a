package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/quota"
	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/internal/infrastructure/db"
)

type usageLogRepository struct {
	db     *db.Database
	logger *logrus.Logger
}

// NewUsageLogRepository creates the append-only consumption log.
func NewUsageLogRepository(database *db.Database, logger *logrus.Logger) ports.UsageLogRepository {
	return &usageLogRepository{
		db:     database,
		logger: logger,
	}
}

// Append inserts a new consumption event. Entries are never updated or
// deleted.
func (r *usageLogRepository) Append(ctx context.Context, entry *quota.UsageLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var metadataJSON []byte
	var err error
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO usage_logs (id, user_id, resource_type, quantity, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.DB.ExecContext(ctx, query,
		entry.ID,
		entry.UserID,
		entry.ResourceType,
		entry.Quantity,
		metadataJSON,
		entry.Timestamp,
	)
	if err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": entry.UserID, "resource": entry.ResourceType}).WithError(err).Error("db: failed to insert usage log entry")
		}
		return err
	}
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{"user_id": entry.UserID, "resource": entry.ResourceType, "quantity": entry.Quantity}).Debug("db: usage log entry inserted")
	}
	return nil
}
