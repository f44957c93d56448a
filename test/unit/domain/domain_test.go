package domain_test

import (
	"testing"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/domain/quota"
	"github.com/meterline/usage-plane/internal/core/domain/webhook"
)

func TestCatalog_LimitsAndUnlimited(t *testing.T) {
	c := plan.NewCatalog()

	if got := c.GetLimit(plan.PlanFree, plan.ResourceAITokens); got != 10000 {
		t.Fatalf("free ai_tokens limit: got %d", got)
	}
	if !c.IsUnlimited(plan.PlanEnterprise, plan.ResourceAPIRequests) {
		t.Fatalf("enterprise must be unlimited")
	}
	// Unknown plans fall back to the free tier.
	if got := c.GetLimit(plan.Plan("platinum"), plan.ResourceAITokens); got != 10000 {
		t.Fatalf("unknown plan must resolve free limits, got %d", got)
	}
	// Unmetered resources are unlimited.
	if !c.IsUnlimited(plan.PlanFree, "gpu_hours") {
		t.Fatalf("unknown resources are unmetered")
	}
}

func TestUsagePercent(t *testing.T) {
	cases := []struct {
		used, limit int64
		want        int
	}{
		{0, 100, 0},
		{79, 100, 79},
		{80, 100, 80},
		{1, 3, 33},
		{100, 100, 100},
		{5, 0, 0},
		{5, quota.Unlimited, 0},
	}
	for _, tc := range cases {
		if got := quota.UsagePercent(tc.used, tc.limit); got != tc.want {
			t.Fatalf("UsagePercent(%d, %d) = %d, want %d", tc.used, tc.limit, got, tc.want)
		}
	}
}

func TestWebhookStatusTransitions(t *testing.T) {
	if !webhook.StatusPending.IsValidTransition(webhook.StatusProcessing) {
		t.Fatalf("pending -> processing must be valid")
	}
	if !webhook.StatusProcessing.IsValidTransition(webhook.StatusPending) {
		t.Fatalf("processing -> pending (retry) must be valid")
	}
	if webhook.StatusSuccess.IsValidTransition(webhook.StatusPending) {
		t.Fatalf("success is terminal for automatic transitions")
	}
	if webhook.StatusFailed.IsValidTransition(webhook.StatusProcessing) {
		t.Fatalf("failed is terminal for automatic transitions")
	}
	if webhook.Status("bogus").Valid() {
		t.Fatalf("unknown statuses are invalid")
	}
}
