package services_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	impl "github.com/meterline/usage-plane/internal/application/services"
	"github.com/meterline/usage-plane/internal/core/domain/plan"
	"github.com/meterline/usage-plane/internal/core/domain/quota"
	"github.com/meterline/usage-plane/internal/core/ports"
	"github.com/meterline/usage-plane/test/mocks"
)

// fakeQuotaLedger holds one record and mirrors the conditional-update
// semantics of the SQL ledger: every mutation evaluates its guard against the
// stored value under the mutex, so it is safe for concurrent callers.
type fakeQuotaLedger struct {
	mu        sync.Mutex
	rec       *quota.Record
	rollovers int
}

var _ ports.QuotaRepository = (*fakeQuotaLedger)(nil)

func (f *fakeQuotaLedger) snapshot() *quota.Record {
	cp := *f.rec
	return &cp
}

func (f *fakeQuotaLedger) GetOrCreate(ctx context.Context, userID uuid.UUID, resource string, limit int64, resetAt time.Time) (*quota.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		f.rec = &quota.Record{ID: uuid.New(), UserID: userID, ResourceType: resource, Limit: limit, ResetAt: resetAt}
	}
	return f.snapshot(), nil
}

func (f *fakeQuotaLedger) Get(ctx context.Context, userID uuid.UUID, resource string) (*quota.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil, quota.ErrRecordNotFound
	}
	return f.snapshot(), nil
}

func (f *fakeQuotaLedger) Rollover(ctx context.Context, userID uuid.UUID, resource string, prevResetAt, newResetAt time.Time, newLimit int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || !f.rec.ResetAt.Equal(prevResetAt) {
		return false, nil
	}
	f.rec.Used = 0
	f.rec.Limit = newLimit
	f.rec.ResetAt = newResetAt
	f.rec.Warning80Sent = false
	f.rec.Warning90Sent = false
	f.rec.Warning100Sent = false
	f.rollovers++
	return true, nil
}

func (f *fakeQuotaLedger) UpdateLimit(ctx context.Context, userID uuid.UUID, resource string, limit int64) (*quota.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil, quota.ErrRecordNotFound
	}
	f.rec.Limit = limit
	return f.snapshot(), nil
}

func (f *fakeQuotaLedger) ConsumeIfBelowLimit(ctx context.Context, userID uuid.UUID, resource string, qty int64) (*quota.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil, quota.ErrRecordNotFound
	}
	if f.rec.Used >= f.rec.Limit {
		return nil, quota.ErrLimitReached
	}
	f.rec.Used += qty
	return f.snapshot(), nil
}

func (f *fakeQuotaLedger) MarkWarningSent(ctx context.Context, userID uuid.UUID, resource string, threshold int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil || f.rec.WarningSent(threshold) {
		return false, nil
	}
	switch threshold {
	case 80:
		f.rec.Warning80Sent = true
	case 90:
		f.rec.Warning90Sent = true
	case 100:
		f.rec.Warning100Sent = true
	}
	return true, nil
}

func newLedgerBackedService(ledger *fakeQuotaLedger, p plan.Plan, now time.Time) ports.QuotaService {
	subs := &mocks.SubscriptionRepositoryMock{GetPlanFn: func(ctx context.Context, userID uuid.UUID) (plan.Plan, error) {
		return p, nil
	}}
	cfg := &impl.QuotaServiceConfig{Now: func() time.Time { return now }}
	return impl.NewQuotaService(ledger, &mocks.UsageLogRepositoryMock{}, subs, plan.NewCatalog(), &mocks.QuotaNotifierMock{}, cfg, nil)
}

// 150 concurrent consumers against a limit of 100: exactly 100 are allowed,
// the rest are denied, and the final counter equals the limit.
func TestCheckAndConsume_ConcurrentConsumersStopExactlyAtLimit(t *testing.T) {
	const (
		consumers = 150
		limit     = 100 // free tier storage_mb
	)
	ledger := &fakeQuotaLedger{}
	svc := newLedgerBackedService(ledger, plan.PlanFree, time.Now())
	userID := uuid.New()

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndConsume(context.Background(), userID, plan.ResourceStorageMB, 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != limit {
		t.Fatalf("expected exactly %d allowed, got %d", limit, allowed.Load())
	}
	if denied.Load() != consumers-limit {
		t.Fatalf("expected %d denied, got %d", consumers-limit, denied.Load())
	}
	if ledger.rec.Used != limit {
		t.Fatalf("counter must stop exactly at the limit, got %d", ledger.rec.Used)
	}
}

// Concurrent callers observing the same expired period reset it once; every
// unit consumed after the reset is accounted for.
func TestCheckAndConsume_ConcurrentRolloverAppliesOnce(t *testing.T) {
	const consumers = 50
	now := time.Now()
	userID := uuid.New()
	ledger := &fakeQuotaLedger{rec: &quota.Record{
		ID:           uuid.New(),
		UserID:       userID,
		ResourceType: plan.ResourceStorageMB,
		Used:         90,
		Limit:        100,
		ResetAt:      now.Add(-time.Hour),
	}}
	svc := newLedgerBackedService(ledger, plan.PlanFree, now)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndConsume(context.Background(), userID, plan.ResourceStorageMB, 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if ledger.rollovers != 1 {
		t.Fatalf("expected exactly one rollover, got %d", ledger.rollovers)
	}
	if allowed.Load() != consumers {
		t.Fatalf("all consumers fit in the fresh period, got %d allowed", allowed.Load())
	}
	if ledger.rec.Used != consumers {
		t.Fatalf("expected used %d after rollover, got %d", consumers, ledger.rec.Used)
	}
}

// A record created and exhausted under the free plan carries the pro
// allowance after the plan changes and the period rolls over.
func TestCheckAndConsume_RolloverWritesCurrentPlanLimit(t *testing.T) {
	now := time.Now()
	userID := uuid.New()
	ledger := &fakeQuotaLedger{rec: &quota.Record{
		ID:           uuid.New(),
		UserID:       userID,
		ResourceType: plan.ResourceStorageMB,
		Used:         100,
		Limit:        100,
		ResetAt:      now.Add(-time.Hour),
	}}
	svc := newLedgerBackedService(ledger, plan.PlanPro, now)

	res, err := svc.CheckAndConsume(context.Background(), userID, plan.ResourceStorageMB, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allow after rollover onto the pro plan: %+v", res)
	}
	if ledger.rec.Limit != 10240 {
		t.Fatalf("rollover must write the current plan limit, got %d", ledger.rec.Limit)
	}
	if ledger.rec.Used != 1 {
		t.Fatalf("expected fresh period with one unit used, got %d", ledger.rec.Used)
	}
}

// A mid-period upgrade lifts the cap on an exhausted record without waiting
// for the period boundary.
func TestCheckAndConsume_MidPeriodUpgradeLiftsCap(t *testing.T) {
	now := time.Now()
	userID := uuid.New()
	ledger := &fakeQuotaLedger{rec: &quota.Record{
		ID:           uuid.New(),
		UserID:       userID,
		ResourceType: plan.ResourceStorageMB,
		Used:         100,
		Limit:        100,
		ResetAt:      now.Add(24 * time.Hour),
	}}
	svc := newLedgerBackedService(ledger, plan.PlanPro, now)

	res, err := svc.CheckAndConsume(context.Background(), userID, plan.ResourceStorageMB, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allow after upgrade: %+v", res)
	}
	if ledger.rec.Limit != 10240 {
		t.Fatalf("expected stored limit refreshed to 10240, got %d", ledger.rec.Limit)
	}
	if ledger.rec.Used != 101 {
		t.Fatalf("usage must carry across a mid-period upgrade, got %d", ledger.rec.Used)
	}
}
