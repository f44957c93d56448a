package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/internal/infrastructure/db"
)

type subscriptionRepository struct {
	db     *db.Database
	logger *logrus.Logger
}

// NewSubscriptionRepository resolves users to their subscription plan. The
// subscriptions table is kept in sync with the billing provider by the
// webhook processor.
func NewSubscriptionRepository(database *db.Database, logger *logrus.Logger) ports.SubscriptionRepository {
	return &subscriptionRepository{
		db:     database,
		logger: logger,
	}
}

// GetPlan returns the user's plan. Users without a subscription row are on
// the free plan; an unknown plan value also falls back to free rather than
// failing the quota check open.
func (r *subscriptionRepository) GetPlan(ctx context.Context, userID uuid.UUID) (plan.Plan, error) {
	query := `SELECT plan FROM subscriptions WHERE user_id = $1`

	var p plan.Plan
	if err := r.db.DB.GetContext(ctx, &p, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return plan.PlanFree, nil
		}
		if r.logger != nil {
			r.logger.WithField("user_id", userID).WithError(err).Error("db: failed to resolve subscription plan")
		}
		return "", err
	}
	if !p.Valid() {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "plan": p}).Warn("db: unknown subscription plan; treating as free")
		}
		return plan.PlanFree, nil
	}
	return p, nil
}

// UpsertSubscription applies a plan change pushed by the billing provider
// through the webhook processor.
func (r *subscriptionRepository) UpsertSubscription(ctx context.Context, userID uuid.UUID, p plan.Plan, billingEmail string) error {
	query := `
		INSERT INTO subscriptions (user_id, plan, billing_email, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET plan = EXCLUDED.plan, billing_email = EXCLUDED.billing_email, updated_at = NOW()`

	if _, err := r.db.DB.ExecContext(ctx, query, userID, p, billingEmail); err != nil {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{"user_id": userID, "plan": p}).WithError(err).Error("db: failed to upsert subscription")
		}
		return err
	}
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{"user_id": userID, "plan": p}).Info("db: subscription upserted")
	}
	return nil
}

// GetBillingEmail returns the billing contact for quota warnings.
func (r *subscriptionRepository) GetBillingEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	query := `SELECT billing_email FROM subscriptions WHERE user_id = $1`

	var email string
	if err := r.db.DB.GetContext(ctx, &email, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no billing email for user %s", userID)
		}
		return "", err
	}
	return email, nil
}
