package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/domain/quota"
)

// QuotaRepository is the persistent per-user-per-resource ledger. Every
// mutation is a conditional update evaluated by the store itself so that
// concurrent callers cannot produce lost updates.
type QuotaRepository interface {
	// GetOrCreate returns the record for (userID, resource), creating it with
	// the given limit and reset time if it does not exist yet.
	GetOrCreate(ctx context.Context, userID uuid.UUID, resource string, limit int64, resetAt time.Time) (*quota.Record, error)

	// Get returns the record or quota.ErrRecordNotFound.
	Get(ctx context.Context, userID uuid.UUID, resource string) (*quota.Record, error)

	// Rollover zeroes used and all warning flags, advances reset_at and writes
	// newLimit, but only if reset_at still equals prevResetAt. The limit is
	// rewritten because the plan may have changed since the record was created.
	// Returns true when this caller applied the rollover; false means a
	// concurrent caller already did.
	Rollover(ctx context.Context, userID uuid.UUID, resource string, prevResetAt, newResetAt time.Time, newLimit int64) (bool, error)

	// UpdateLimit rewrites the stored limit mid-period after a plan change and
	// returns the updated record. Used is left untouched.
	UpdateLimit(ctx context.Context, userID uuid.UUID, resource string, limit int64) (*quota.Record, error)

	// ConsumeIfBelowLimit atomically adds qty to used, guarded by used < limit,
	// and returns the post-increment record. Returns quota.ErrLimitReached when
	// the record is already at or over capacity.
	ConsumeIfBelowLimit(ctx context.Context, userID uuid.UUID, resource string, qty int64) (*quota.Record, error)

	// MarkWarningSent flips the warning flag for threshold from false to true.
	// Returns true only for the caller that performed the flip, making the
	// follow-up notification exactly-once across concurrent consumers.
	MarkWarningSent(ctx context.Context, userID uuid.UUID, resource string, threshold int) (bool, error)
}

// UsageLogRepository appends consumption events for analytics. Entries are
// never read back by the enforcement path.
type UsageLogRepository interface {
	Append(ctx context.Context, entry *quota.UsageLogEntry) error
}

// SubscriptionRepository resolves a user's current subscription plan. Users
// without a subscription row are on the free plan. The subscription row also
// carries the billing email used for quota warnings.
type SubscriptionRepository interface {
	GetPlan(ctx context.Context, userID uuid.UUID) (plan.Plan, error)
	GetBillingEmail(ctx context.Context, userID uuid.UUID) (string, error)

	// UpsertSubscription applies a plan change pushed by the billing provider.
	UpsertSubscription(ctx context.Context, userID uuid.UUID, p plan.Plan, billingEmail string) error
}

// QuotaNotifier delivers threshold-crossing warnings. Delivery failures are
// the notifier's problem; the guard treats them as non-fatal.
type QuotaNotifier interface {
	SendQuotaWarning(ctx context.Context, userID uuid.UUID, resource string, percentage int, used, limit int64, resetAt time.Time) error
}

// QuotaService meters and enforces consumption against the user's plan.
type QuotaService interface {
	// CheckAndConsume applies the quota check for quantity units. A denied
	// check is a value (Allowed=false), not an error; errors mean the ledger
	// was unreachable and the caller must fail closed.
	CheckAndConsume(ctx context.Context, userID uuid.UUID, resource string, quantity int64) (*quota.ConsumeResult, error)

	// GetUsage returns a read-only snapshot of the user's current usage.
	GetUsage(ctx context.Context, userID uuid.UUID, resource string) (*quota.ConsumeResult, error)
}
