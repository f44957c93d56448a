package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/ports"
)

// Billing provider event types this plane subscribes to.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
)

// billingSubscriptionPayload is the normalized subscription payload produced
// by the billing integration in front of this service.
type billingSubscriptionPayload struct {
	UserID       string `json:"user_id"`
	Plan         string `json:"plan"`
	BillingEmail string `json:"billing_email"`
}

// BillingEventHandlers translates billing provider webhook payloads into
// subscription updates. Handler errors send the event down the retry path, so
// anything transient (db down) should be returned, not swallowed.
type BillingEventHandlers struct {
	subs   ports.SubscriptionRepository
	logger *logrus.Logger
}

func NewBillingEventHandlers(subs ports.SubscriptionRepository, logger *logrus.Logger) *BillingEventHandlers {
	return &BillingEventHandlers{subs: subs, logger: logger}
}

// Register binds the billing handlers to their event types on the processor.
func (h *BillingEventHandlers) Register(svc ports.WebhookService) {
	svc.RegisterHandler(EventSubscriptionCreated, h.HandleSubscriptionChange)
	svc.RegisterHandler(EventSubscriptionUpdated, h.HandleSubscriptionChange)
	svc.RegisterHandler(EventSubscriptionCanceled, h.HandleSubscriptionCanceled)
}

// HandleSubscriptionChange upserts the subscription row for created and
// updated events. Malformed payloads are permanent failures; retrying them
// cannot succeed, but the bounded retry policy keeps that harmless.
func (h *BillingEventHandlers) HandleSubscriptionChange(ctx context.Context, payload json.RawMessage) error {
	p, userID, err := h.parse(payload)
	if err != nil {
		return err
	}
	pl := plan.Plan(p.Plan)
	if !pl.Valid() {
		return fmt.Errorf("unknown plan %q", p.Plan)
	}
	if err := h.subs.UpsertSubscription(ctx, userID, pl, p.BillingEmail); err != nil {
		return err
	}
	if h.logger != nil {
		h.logger.WithFields(logrus.Fields{"user_id": userID, "plan": pl}).Info("billing: subscription change applied")
	}
	return nil
}

// HandleSubscriptionCanceled downgrades the user to the free plan. The row is
// kept so the billing email survives cancellation.
func (h *BillingEventHandlers) HandleSubscriptionCanceled(ctx context.Context, payload json.RawMessage) error {
	p, userID, err := h.parse(payload)
	if err != nil {
		return err
	}
	if err := h.subs.UpsertSubscription(ctx, userID, plan.PlanFree, p.BillingEmail); err != nil {
		return err
	}
	if h.logger != nil {
		h.logger.WithField("user_id", userID).Info("billing: subscription canceled; user downgraded to free")
	}
	return nil
}

func (h *BillingEventHandlers) parse(payload json.RawMessage) (*billingSubscriptionPayload, uuid.UUID, error) {
	var p billingSubscriptionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, uuid.Nil, fmt.Errorf("decode billing payload: %w", err)
	}
	userID, err := uuid.Parse(p.UserID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid user_id in billing payload: %w", err)
	}
	return &p, userID, nil
}
