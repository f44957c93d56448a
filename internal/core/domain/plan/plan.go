package plan

import "time"

// Plan identifies a subscription tier. Plans are assigned by the billing
// application; this service only reads them to resolve limits.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited is the sentinel limit for plans with no cap on a resource.
const Unlimited int64 = -1

// Resource names metered consumption types.
const (
	ResourceAITokens    = "ai_tokens"
	ResourceAPIRequests = "api_requests"
	ResourceStorageMB   = "storage_mb"
)

// Catalog resolves per-plan, per-resource consumption limits and the length of
// the accounting period. The catalog is static configuration, not persisted
// state; limit changes ship with a deploy.
type Catalog struct {
	limits map[Plan]map[string]int64
	period time.Duration
}

// NewCatalog returns the default limit catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		period: 30 * 24 * time.Hour,
		limits: map[Plan]map[string]int64{
			PlanFree: {
				ResourceAITokens:    10000,
				ResourceAPIRequests: 1000,
				ResourceStorageMB:   100,
			},
			PlanStarter: {
				ResourceAITokens:    100000,
				ResourceAPIRequests: 10000,
				ResourceStorageMB:   1024,
			},
			PlanPro: {
				ResourceAITokens:    1000000,
				ResourceAPIRequests: 100000,
				ResourceStorageMB:   10240,
			},
			PlanEnterprise: {
				ResourceAITokens:    Unlimited,
				ResourceAPIRequests: Unlimited,
				ResourceStorageMB:   Unlimited,
			},
		},
	}
}

// GetLimit returns the configured limit for the plan and resource.
// Unknown plans fall back to the free tier; unknown resources are unmetered.
func (c *Catalog) GetLimit(p Plan, resource string) int64 {
	limits, ok := c.limits[p]
	if !ok {
		limits = c.limits[PlanFree]
	}
	limit, ok := limits[resource]
	if !ok {
		return Unlimited
	}
	return limit
}

// IsUnlimited reports whether the plan has no cap for the resource.
func (c *Catalog) IsUnlimited(p Plan, resource string) bool {
	return c.GetLimit(p, resource) == Unlimited
}

// Period returns the length of one accounting period.
func (c *Catalog) Period(p Plan) time.Duration {
	return c.period
}

// Valid reports whether p names a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanStarter, PlanPro, PlanEnterprise:
		return true
	}
	return false
}
