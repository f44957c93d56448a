package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/domain/quota"
	"github.com/meterline/usage-plane/internal/core/ports"
)

// QuotaService enforces per-user consumption quotas against the subscription
// plan. All counter mutations go through conditional updates in the ledger, so
// the service itself never computes used+quantity from a previously read value.
type QuotaService struct {
	quotas   ports.QuotaRepository
	usageLog ports.UsageLogRepository
	subs     ports.SubscriptionRepository
	catalog  *plan.Catalog
	notifier ports.QuotaNotifier
	logger   *logrus.Logger
	now      func() time.Time
}

// QuotaServiceConfig carries optional overrides for the quota service.
type QuotaServiceConfig struct {
	// Now overrides the clock; nil means time.Now. Used by tests.
	Now func() time.Time
}

func NewQuotaService(quotas ports.QuotaRepository, usageLog ports.UsageLogRepository, subs ports.SubscriptionRepository, catalog *plan.Catalog, notifier ports.QuotaNotifier, cfg *QuotaServiceConfig, logger *logrus.Logger) ports.QuotaService {
	now := time.Now
	if cfg != nil && cfg.Now != nil {
		now = cfg.Now
	}
	return &QuotaService{
		quotas:   quotas,
		usageLog: usageLog,
		subs:     subs,
		catalog:  catalog,
		notifier: notifier,
		logger:   logger,
		now:      now,
	}
}

// CheckAndConsume resolves the user's plan, applies period rollover if due,
// and atomically consumes quantity units. A ledger error returns err != nil
// and the caller must fail closed; a denied check is a plain value.
func (s *QuotaService) CheckAndConsume(ctx context.Context, userID uuid.UUID, resource string, quantity int64) (*quota.ConsumeResult, error) {
	if quantity <= 0 {
		quantity = 1
	}

	p, err := s.subs.GetPlan(ctx, userID)
	if err != nil {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource}).WithError(err).Error("quota: failed to resolve plan; failing closed")
		}
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	// Unlimited plans bypass the ledger entirely.
	if s.catalog.IsUnlimited(p, resource) {
		return &quota.ConsumeResult{Allowed: true, Unlimited: true, Used: 0, Limit: quota.Unlimited, Remaining: quota.Unlimited}, nil
	}

	limit := s.catalog.GetLimit(p, resource)
	period := s.catalog.Period(p)
	now := s.now()

	rec, err := s.quotas.GetOrCreate(ctx, userID, resource, limit, now.Add(period))
	if err != nil {
		return nil, fmt.Errorf("load quota record: %w", err)
	}

	// The record keeps the limit from when it was created or last rolled over.
	// A plan change mid-period must reach existing records, so the stored
	// limit is rewritten whenever the catalog disagrees.
	if rec.Limit != limit {
		rec, err = s.quotas.UpdateLimit(ctx, userID, resource, limit)
		if err != nil {
			return nil, fmt.Errorf("update quota limit: %w", err)
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "plan": p, "limit": limit}).Info("quota: stored limit refreshed after plan change")
		}
	}

	// Period rollover. The update is guarded by the previous reset_at, so
	// concurrent callers observing the same expired period reset it once. The
	// rollover also writes the current plan limit.
	if !now.Before(rec.ResetAt) {
		applied, err := s.quotas.Rollover(ctx, userID, resource, rec.ResetAt, now.Add(period), limit)
		if err != nil {
			return nil, fmt.Errorf("rollover quota record: %w", err)
		}
		if s.logger != nil && applied {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "reset_at": now.Add(period)}).Info("quota: period rolled over")
		}
		rec, err = s.quotas.Get(ctx, userID, resource)
		if err != nil {
			return nil, fmt.Errorf("reload quota record: %w", err)
		}
	}

	updated, err := s.quotas.ConsumeIfBelowLimit(ctx, userID, resource, quantity)
	if err != nil {
		if errors.Is(err, quota.ErrLimitReached) {
			return &quota.ConsumeResult{
				Allowed:   false,
				Used:      rec.Used,
				Limit:     rec.Limit,
				Remaining: 0,
			}, nil
		}
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	// Metered but unlogged consumption is acceptable; unmetered is not.
	s.appendUsageLog(ctx, userID, resource, quantity)

	s.dispatchWarnings(ctx, userID, resource, updated, quantity)

	remaining := updated.Limit - updated.Used
	if remaining < 0 {
		remaining = 0
	}
	return &quota.ConsumeResult{
		Allowed:   true,
		Used:      updated.Used,
		Limit:     updated.Limit,
		Remaining: remaining,
	}, nil
}

// GetUsage returns the current ledger snapshot without consuming anything.
func (s *QuotaService) GetUsage(ctx context.Context, userID uuid.UUID, resource string) (*quota.ConsumeResult, error) {
	p, err := s.subs.GetPlan(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}
	if s.catalog.IsUnlimited(p, resource) {
		return &quota.ConsumeResult{Allowed: true, Unlimited: true, Used: 0, Limit: quota.Unlimited, Remaining: quota.Unlimited}, nil
	}

	rec, err := s.quotas.Get(ctx, userID, resource)
	if err != nil {
		if errors.Is(err, quota.ErrRecordNotFound) {
			limit := s.catalog.GetLimit(p, resource)
			return &quota.ConsumeResult{Allowed: true, Used: 0, Limit: limit, Remaining: limit}, nil
		}
		return nil, fmt.Errorf("load quota record: %w", err)
	}

	remaining := rec.Limit - rec.Used
	if remaining < 0 {
		remaining = 0
	}
	return &quota.ConsumeResult{
		Allowed:   rec.Used < rec.Limit,
		Used:      rec.Used,
		Limit:     rec.Limit,
		Remaining: remaining,
	}, nil
}

func (s *QuotaService) appendUsageLog(ctx context.Context, userID uuid.UUID, resource string, quantity int64) {
	entry := &quota.UsageLogEntry{
		ID:           uuid.New(),
		UserID:       userID,
		ResourceType: resource,
		Quantity:     quantity,
		Timestamp:    s.now(),
	}
	if err := s.usageLog.Append(ctx, entry); err != nil {
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "quantity": quantity}).WithError(err).Warn("quota: failed to append usage log entry")
		}
	}
}

// dispatchWarnings sends at most one notification per threshold per period.
// The conditional flag flip in the ledger decides which caller sends.
func (s *QuotaService) dispatchWarnings(ctx context.Context, userID uuid.UUID, resource string, rec *quota.Record, quantity int64) {
	if rec.Limit <= 0 {
		return
	}
	prevPct := quota.UsagePercent(rec.Used-quantity, rec.Limit)
	newPct := quota.UsagePercent(rec.Used, rec.Limit)

	for _, threshold := range quota.WarningThresholds {
		if newPct < threshold || prevPct >= threshold || rec.WarningSent(threshold) {
			continue
		}
		won, err := s.quotas.MarkWarningSent(ctx, userID, resource, threshold)
		if err != nil {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "threshold": threshold}).WithError(err).Warn("quota: failed to mark warning sent")
			}
			continue
		}
		if !won {
			continue
		}
		if err := s.notifier.SendQuotaWarning(ctx, userID, resource, threshold, rec.Used, rec.Limit, rec.ResetAt); err != nil {
			if s.logger != nil {
				s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "threshold": threshold}).WithError(err).Warn("quota: failed to send warning notification")
			}
			continue
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "resource": resource, "threshold": threshold, "used": rec.Used, "limit": rec.Limit}).Info("quota: warning notification sent")
		}
	}
}
