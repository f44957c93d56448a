package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/domain/quota"
	"github.com/meterline/usage-plane/internal/core/domain/webhook"
)

// QuotaRepositoryMock is a lightweight mock for QuotaRepository
type QuotaRepositoryMock struct {
	GetOrCreateFn         func(ctx context.Context, userID uuid.UUID, resource string, limit int64, resetAt time.Time) (*quota.Record, error)
	GetFn                 func(ctx context.Context, userID uuid.UUID, resource string) (*quota.Record, error)
	RolloverFn            func(ctx context.Context, userID uuid.UUID, resource string, prevResetAt, newResetAt time.Time, newLimit int64) (bool, error)
	UpdateLimitFn         func(ctx context.Context, userID uuid.UUID, resource string, limit int64) (*quota.Record, error)
	ConsumeIfBelowLimitFn func(ctx context.Context, userID uuid.UUID, resource string, qty int64) (*quota.Record, error)
	MarkWarningSentFn     func(ctx context.Context, userID uuid.UUID, resource string, threshold int) (bool, error)
}

func (m *QuotaRepositoryMock) GetOrCreate(ctx context.Context, userID uuid.UUID, resource string, limit int64, resetAt time.Time) (*quota.Record, error) {
	if m.GetOrCreateFn != nil {
		return m.GetOrCreateFn(ctx, userID, resource, limit, resetAt)
	}
	return &quota.Record{UserID: userID, ResourceType: resource, Limit: limit, ResetAt: resetAt}, nil
}
func (m *QuotaRepositoryMock) Get(ctx context.Context, userID uuid.UUID, resource string) (*quota.Record, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, userID, resource)
	}
	return nil, quota.ErrRecordNotFound
}
func (m *QuotaRepositoryMock) Rollover(ctx context.Context, userID uuid.UUID, resource string, prevResetAt, newResetAt time.Time, newLimit int64) (bool, error) {
	if m.RolloverFn != nil {
		return m.RolloverFn(ctx, userID, resource, prevResetAt, newResetAt, newLimit)
	}
	return true, nil
}
func (m *QuotaRepositoryMock) UpdateLimit(ctx context.Context, userID uuid.UUID, resource string, limit int64) (*quota.Record, error) {
	if m.UpdateLimitFn != nil {
		return m.UpdateLimitFn(ctx, userID, resource, limit)
	}
	return &quota.Record{UserID: userID, ResourceType: resource, Limit: limit}, nil
}
func (m *QuotaRepositoryMock) ConsumeIfBelowLimit(ctx context.Context, userID uuid.UUID, resource string, qty int64) (*quota.Record, error) {
	if m.ConsumeIfBelowLimitFn != nil {
		return m.ConsumeIfBelowLimitFn(ctx, userID, resource, qty)
	}
	return nil, quota.ErrLimitReached
}
func (m *QuotaRepositoryMock) MarkWarningSent(ctx context.Context, userID uuid.UUID, resource string, threshold int) (bool, error) {
	if m.MarkWarningSentFn != nil {
		return m.MarkWarningSentFn(ctx, userID, resource, threshold)
	}
	return true, nil
}

// UsageLogRepositoryMock is a lightweight mock for UsageLogRepository
type UsageLogRepositoryMock struct {
	AppendFn func(ctx context.Context, entry *quota.UsageLogEntry) error
}

func (m *UsageLogRepositoryMock) Append(ctx context.Context, entry *quota.UsageLogEntry) error {
	if m.AppendFn != nil {
		return m.AppendFn(ctx, entry)
	}
	return nil
}

// SubscriptionRepositoryMock is a lightweight mock for SubscriptionRepository
type SubscriptionRepositoryMock struct {
	GetPlanFn            func(ctx context.Context, userID uuid.UUID) (plan.Plan, error)
	GetBillingEmailFn    func(ctx context.Context, userID uuid.UUID) (string, error)
	UpsertSubscriptionFn func(ctx context.Context, userID uuid.UUID, p plan.Plan, billingEmail string) error
}

func (m *SubscriptionRepositoryMock) GetPlan(ctx context.Context, userID uuid.UUID) (plan.Plan, error) {
	if m.GetPlanFn != nil {
		return m.GetPlanFn(ctx, userID)
	}
	return plan.PlanFree, nil
}
func (m *SubscriptionRepositoryMock) GetBillingEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	if m.GetBillingEmailFn != nil {
		return m.GetBillingEmailFn(ctx, userID)
	}
	return "", fmt.Errorf("no billing email for user %s", userID)
}
func (m *SubscriptionRepositoryMock) UpsertSubscription(ctx context.Context, userID uuid.UUID, p plan.Plan, billingEmail string) error {
	if m.UpsertSubscriptionFn != nil {
		return m.UpsertSubscriptionFn(ctx, userID, p, billingEmail)
	}
	return nil
}

// QuotaNotifierMock is a lightweight mock for QuotaNotifier
type QuotaNotifierMock struct {
	SendQuotaWarningFn func(ctx context.Context, userID uuid.UUID, resource string, percentage int, used, limit int64, resetAt time.Time) error
}

func (m *QuotaNotifierMock) SendQuotaWarning(ctx context.Context, userID uuid.UUID, resource string, percentage int, used, limit int64, resetAt time.Time) error {
	if m.SendQuotaWarningFn != nil {
		return m.SendQuotaWarningFn(ctx, userID, resource, percentage, used, limit, resetAt)
	}
	return nil
}

// WebhookEventRepositoryMock is a lightweight mock for WebhookEventRepository
type WebhookEventRepositoryMock struct {
	CreateFn         func(ctx context.Context, event *webhook.Event) error
	GetByIDFn        func(ctx context.Context, id uuid.UUID) (*webhook.Event, error)
	MarkProcessingFn func(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSucceededFn  func(ctx context.Context, id uuid.UUID) error
	MarkFailedFn     func(ctx context.Context, id uuid.UUID, lastError string) error
	ScheduleRetryFn  func(ctx context.Context, id uuid.UUID, lastError string) error
	ResetForRetryFn  func(ctx context.Context, id uuid.UUID) error
	ReleaseStaleFn   func(ctx context.Context, cutoff time.Time) (int64, error)
	ListByStatusFn   func(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error)
	CountByStatusFn  func(ctx context.Context) (*webhook.Stats, error)
}

func (m *WebhookEventRepositoryMock) Create(ctx context.Context, event *webhook.Event) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, event)
	}
	return nil
}
func (m *WebhookEventRepositoryMock) GetByID(ctx context.Context, id uuid.UUID) (*webhook.Event, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	return nil, webhook.ErrEventNotFound
}
func (m *WebhookEventRepositoryMock) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.MarkProcessingFn != nil {
		return m.MarkProcessingFn(ctx, id)
	}
	return true, nil
}
func (m *WebhookEventRepositoryMock) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	if m.MarkSucceededFn != nil {
		return m.MarkSucceededFn(ctx, id)
	}
	return nil
}
func (m *WebhookEventRepositoryMock) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	if m.MarkFailedFn != nil {
		return m.MarkFailedFn(ctx, id, lastError)
	}
	return nil
}
func (m *WebhookEventRepositoryMock) ScheduleRetry(ctx context.Context, id uuid.UUID, lastError string) error {
	if m.ScheduleRetryFn != nil {
		return m.ScheduleRetryFn(ctx, id, lastError)
	}
	return nil
}
func (m *WebhookEventRepositoryMock) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	if m.ResetForRetryFn != nil {
		return m.ResetForRetryFn(ctx, id)
	}
	return nil
}
func (m *WebhookEventRepositoryMock) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.ReleaseStaleFn != nil {
		return m.ReleaseStaleFn(ctx, cutoff)
	}
	return 0, nil
}
func (m *WebhookEventRepositoryMock) ListByStatus(ctx context.Context, status webhook.Status, limit int) ([]*webhook.Event, error) {
	if m.ListByStatusFn != nil {
		return m.ListByStatusFn(ctx, status, limit)
	}
	return nil, nil
}
func (m *WebhookEventRepositoryMock) CountByStatus(ctx context.Context) (*webhook.Stats, error) {
	if m.CountByStatusFn != nil {
		return m.CountByStatusFn(ctx)
	}
	return &webhook.Stats{}, nil
}

// WindowCounterStoreMock is a lightweight mock for WindowCounterStore
type WindowCounterStoreMock struct {
	HitFn   func(ctx context.Context, key string) (int, time.Time, error)
	CloseFn func() error
}

func (m *WindowCounterStoreMock) Hit(ctx context.Context, key string) (int, time.Time, error) {
	if m.HitFn != nil {
		return m.HitFn(ctx, key)
	}
	return 1, time.Now(), nil
}
func (m *WindowCounterStoreMock) Close() error {
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

// Payload builds a raw JSON payload for webhook tests.
func Payload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
