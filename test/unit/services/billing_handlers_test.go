package services_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	impl "github.com/meterline/usage-plane/internal/application/services"
	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/test/mocks"
)

func TestHandleSubscriptionChange_UpsertsPlan(t *testing.T) {
	userID := uuid.New()
	var gotPlan plan.Plan
	var gotEmail string
	subs := &mocks.SubscriptionRepositoryMock{UpsertSubscriptionFn: func(ctx context.Context, uid uuid.UUID, p plan.Plan, billingEmail string) error {
		if uid != userID {
			t.Fatalf("unexpected user id %s", uid)
		}
		gotPlan = p
		gotEmail = billingEmail
		return nil
	}}
	h := impl.NewBillingEventHandlers(subs, nil)

	payload := mocks.Payload(map[string]string{
		"user_id":       userID.String(),
		"plan":          "pro",
		"billing_email": "ops@example.com",
	})
	if err := h.HandleSubscriptionChange(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPlan != plan.PlanPro || gotEmail != "ops@example.com" {
		t.Fatalf("unexpected upsert: plan=%s email=%s", gotPlan, gotEmail)
	}
}

func TestHandleSubscriptionChange_RejectsUnknownPlan(t *testing.T) {
	h := impl.NewBillingEventHandlers(&mocks.SubscriptionRepositoryMock{}, nil)

	payload := mocks.Payload(map[string]string{"user_id": uuid.NewString(), "plan": "platinum"})
	if err := h.HandleSubscriptionChange(context.Background(), payload); err == nil {
		t.Fatalf("expected error for unknown plan")
	}
}

func TestHandleSubscriptionChange_RejectsMalformedPayload(t *testing.T) {
	h := impl.NewBillingEventHandlers(&mocks.SubscriptionRepositoryMock{}, nil)

	if err := h.HandleSubscriptionChange(context.Background(), []byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
	if err := h.HandleSubscriptionChange(context.Background(), mocks.Payload(map[string]string{"user_id": "nope", "plan": "pro"})); err == nil {
		t.Fatalf("expected error for invalid user id")
	}
}

func TestHandleSubscriptionCanceled_DowngradesToFree(t *testing.T) {
	var gotPlan plan.Plan
	subs := &mocks.SubscriptionRepositoryMock{UpsertSubscriptionFn: func(ctx context.Context, uid uuid.UUID, p plan.Plan, billingEmail string) error {
		gotPlan = p
		return nil
	}}
	h := impl.NewBillingEventHandlers(subs, nil)

	payload := mocks.Payload(map[string]string{"user_id": uuid.NewString(), "plan": "pro", "billing_email": "ops@example.com"})
	if err := h.HandleSubscriptionCanceled(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPlan != plan.PlanFree {
		t.Fatalf("cancellation must downgrade to free, got %s", gotPlan)
	}
}
