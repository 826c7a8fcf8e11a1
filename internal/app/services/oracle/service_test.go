package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/storage/memory"
	"github.com/stakefolio/oracle-engine/pkg/admin"
)

const adminToken = "test-token"

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	svc := New(memory.New(), admin.NewStaticTokenAuthorizer(adminToken), nil, WithClock(clock.Now))
	return svc, clock
}

func TestFirstPriceBypassesDeviationGuard(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(70)); err != nil {
		t.Fatalf("first price: %v", err)
	}
	data, err := svc.GetPriceData(ctx, "CORE")
	if err != nil {
		t.Fatalf("get price data: %v", err)
	}
	if data.UpdateCount != 1 || !data.Price.Eq(dollars(70)) || !data.Active {
		t.Fatalf("unexpected record: %+v", data)
	}

	// A wildly different first price for another asset is also accepted.
	if err := svc.SetPrice(ctx, adminToken, "BTC", uint256.NewInt(1).Lsh(uint256.NewInt(1), 200)); err != nil {
		t.Fatalf("large first price: %v", err)
	}
}

func TestNormalDeviationCommitsDirectly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(105)); err != nil {
		t.Fatalf("normal update: %v", err)
	}

	price, err := svc.GetPrice(ctx, "CORE")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !price.Eq(dollars(105)) {
		t.Fatalf("price %s, want %s", price.Dec(), dollars(105).Dec())
	}
	data, _ := svc.GetPriceData(ctx, "CORE")
	if data.BreakerOpen {
		t.Fatalf("breaker must stay closed on normal deviation")
	}
	if data.UpdateCount != 2 {
		t.Fatalf("update count %d, want 2", data.UpdateCount)
	}
}

func TestModerateDeviationTripsBreakerAndCooldownGatesReset(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(115)); err != nil {
		t.Fatalf("moderate update must not error: %v", err)
	}

	// The rejected update left the record untouched.
	price, err := svc.GetPrice(ctx, "CORE")
	if err != nil || !price.Eq(dollars(100)) {
		t.Fatalf("price after trip: %v %v", price, err)
	}
	data, _ := svc.GetPriceData(ctx, "CORE")
	if !data.BreakerOpen || data.UpdateCount != 1 {
		t.Fatalf("unexpected state after trip: %+v", data)
	}

	// Writes are now blocked.
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(101)); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}

	clock.advance(30 * time.Minute)
	if err := svc.ResetCircuitBreaker(ctx, adminToken, "CORE"); !errors.Is(err, ErrCooldownNotElapsed) {
		t.Fatalf("expected ErrCooldownNotElapsed, got %v", err)
	}

	clock.advance(31 * time.Minute)
	if err := svc.ResetCircuitBreaker(ctx, adminToken, "CORE"); err != nil {
		t.Fatalf("reset after cooldown: %v", err)
	}
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(101)); err != nil {
		t.Fatalf("update after reset: %v", err)
	}
}

func TestExtremeDeviationConvergesGradually(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(125)); err != nil {
		t.Fatalf("extreme update: %v", err)
	}

	// The target is not applied atomically.
	price, _ := svc.GetPrice(ctx, "CORE")
	if !price.Eq(dollars(100)) {
		t.Fatalf("price moved atomically to %s", price.Dec())
	}
	data, _ := svc.GetPriceData(ctx, "CORE")
	if !data.Converging {
		t.Fatalf("expected convergence in progress")
	}

	// First advance moves exactly one step: $1.025.
	wantFirst := uint256.NewInt(1_025_000_000_000_000_000)
	if _, changed, err := svc.Advance(ctx, "CORE"); err != nil || !changed {
		t.Fatalf("advance: changed=%v err=%v", changed, err)
	}
	price, _ = svc.GetPrice(ctx, "CORE")
	if !price.Eq(wantFirst) {
		t.Fatalf("after first advance: %s, want %s", price.Dec(), wantFirst.Dec())
	}

	for i := 0; i < 9; i++ {
		if _, _, err := svc.Advance(ctx, "CORE"); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	price, _ = svc.GetPrice(ctx, "CORE")
	if !price.Eq(dollars(125)) {
		t.Fatalf("after convergence: %s, want %s", price.Dec(), dollars(125).Dec())
	}

	// Completed convergence: further advances are no-ops.
	before, _ := svc.GetPriceData(ctx, "CORE")
	if _, changed, err := svc.Advance(ctx, "CORE"); err != nil || changed {
		t.Fatalf("advance after completion: changed=%v err=%v", changed, err)
	}
	after, _ := svc.GetPriceData(ctx, "CORE")
	if after.UpdateCount != before.UpdateCount || after.Converging {
		t.Fatalf("post-completion advance mutated state: %+v -> %+v", before, after)
	}
}

func TestExtremeRetargetsMidConvergence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(125)); err != nil {
		t.Fatalf("extreme update: %v", err)
	}
	if _, _, err := svc.Advance(ctx, "CORE"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// A new extreme replaces the pending target.
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(130)); err != nil {
		t.Fatalf("retarget: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, _, err := svc.Advance(ctx, "CORE"); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	price, _ := svc.GetPrice(ctx, "CORE")
	if !price.Eq(dollars(130)) {
		t.Fatalf("converged to %s, want %s", price.Dec(), dollars(130).Dec())
	}
}

func TestStalenessCheckOnReads(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.EnableStalenessCheck(ctx, adminToken, true); err != nil {
		t.Fatalf("enable staleness check: %v", err)
	}

	clock.advance(2 * time.Hour)
	if _, err := svc.GetPrice(ctx, "CORE"); !errors.Is(err, ErrPriceStale) {
		t.Fatalf("expected ErrPriceStale, got %v", err)
	}

	price, stale, err := svc.GetPriceWithFallback(ctx, "CORE")
	if err != nil {
		t.Fatalf("fallback read: %v", err)
	}
	if !stale || !price.Eq(dollars(100)) {
		t.Fatalf("fallback: price=%s stale=%v", price.Dec(), stale)
	}
}

func TestFallbackPrefersLastKnownGood(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(105)); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	clock.advance(2 * time.Hour)
	price, stale, err := svc.GetPriceWithFallback(ctx, "CORE")
	if err != nil {
		t.Fatalf("fallback read: %v", err)
	}
	if !stale || !price.Eq(dollars(100)) {
		t.Fatalf("expected last known good $1.00, got price=%s stale=%v", price.Dec(), stale)
	}
}

func TestEmergencyModeBypassesGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(115)); err != nil {
		t.Fatalf("moderate update: %v", err)
	}
	data, _ := svc.GetPriceData(ctx, "CORE")
	if !data.BreakerOpen {
		t.Fatalf("expected open breaker")
	}

	if err := svc.ActivateEmergencyMode(ctx, adminToken, "feed outage"); err != nil {
		t.Fatalf("activate emergency: %v", err)
	}
	// Reset bypasses the cooldown while emergency mode is active.
	if err := svc.ResetCircuitBreaker(ctx, adminToken, "CORE"); err != nil {
		t.Fatalf("emergency reset: %v", err)
	}
	// Manual prices bypass classification entirely.
	if err := svc.SetPrice(ctx, adminToken, "CORE", dollars(300)); err != nil {
		t.Fatalf("emergency set price: %v", err)
	}
	price, _ := svc.GetPrice(ctx, "CORE")
	if !price.Eq(dollars(300)) {
		t.Fatalf("emergency price not applied: %s", price.Dec())
	}

	if err := svc.DeactivateEmergencyMode(ctx, adminToken); err != nil {
		t.Fatalf("deactivate emergency: %v", err)
	}
	if svc.Emergency().Active {
		t.Fatalf("emergency mode still active")
	}
}

func TestAdministrativeValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SetPrice(ctx, "wrong-token", "CORE", dollars(100)); !errors.Is(err, admin.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := svc.SetThresholds(ctx, adminToken, 2000, 1000); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for inverted thresholds, got %v", err)
	}
	if err := svc.SetThresholds(ctx, adminToken, 0, 2000); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero threshold, got %v", err)
	}
	if err := svc.SetMaxPriceAge(ctx, adminToken, 30*time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for too-small age, got %v", err)
	}
	if err := svc.SetMaxPriceAge(ctx, adminToken, 48*time.Hour); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for too-large age, got %v", err)
	}
	if err := svc.SetMaxPriceAge(ctx, adminToken, 2*time.Hour); err != nil {
		t.Fatalf("valid age rejected: %v", err)
	}
	if got := svc.Config().MaxPriceAge; got != 2*time.Hour {
		t.Fatalf("max price age not applied: %v", got)
	}
}

func TestUnknownAssetReads(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.GetPrice(ctx, "NOPE"); !errors.Is(err, ErrAssetNotSupported) {
		t.Fatalf("expected ErrAssetNotSupported, got %v", err)
	}
	if _, _, err := svc.GetPriceWithFallback(ctx, "NOPE"); !errors.Is(err, ErrAssetNotSupported) {
		t.Fatalf("expected ErrAssetNotSupported, got %v", err)
	}
	if err := svc.ResetCircuitBreaker(ctx, adminToken, "NOPE"); !errors.Is(err, ErrAssetNotSupported) {
		t.Fatalf("expected ErrAssetNotSupported, got %v", err)
	}
}

func TestSnapshotHistoryRecordsCommits(t *testing.T) {
	store := memory.New()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	svc := New(store, admin.AllowAll{}, nil, WithClock(clock.Now))
	ctx := context.Background()

	mustSetPriceWith(t, svc, "", "CORE", dollars(100))
	if err := svc.SetPrice(ctx, "", "CORE", dollars(105)); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	snaps, err := svc.ListSnapshots(ctx, "CORE", 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Price != dollars(105).Dec() || snaps[0].Source != "manual" {
		t.Fatalf("unexpected newest snapshot: %+v", snaps[0])
	}
	if snaps[1].Class != domain.FirstPrice.String() {
		t.Fatalf("oldest snapshot class %q", snaps[1].Class)
	}
}

func TestConcurrentReadsSeeOnlyCommittedValues(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mustSetPrice(t, svc, "CORE", dollars(100))
	mustSetPrice(t, svc, "SIDE", dollars(50))

	low, high := dollars(100), dollars(105)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				price := low
				if (w+i)%2 == 0 {
					price = high
				}
				if err := svc.SetPrice(ctx, adminToken, "CORE", price); err != nil {
					t.Errorf("set price: %v", err)
					return
				}
				if _, _, err := svc.Advance(ctx, "SIDE"); err != nil {
					t.Errorf("advance: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				price, err := svc.GetPrice(ctx, "CORE")
				if err != nil {
					t.Errorf("get price: %v", err)
					return
				}
				// Only fully committed values are ever visible.
				if !price.Eq(low) && !price.Eq(high) {
					t.Errorf("observed uncommitted price %s", price.Dec())
					return
				}
				data, err := svc.GetPriceData(ctx, "CORE")
				if err != nil {
					t.Errorf("get price data: %v", err)
					return
				}
				if data.Price == nil || (!data.Price.Eq(low) && !data.Price.Eq(high)) {
					t.Errorf("inconsistent price data: %+v", data)
					return
				}
				if data.PriceText != data.Price.Dec() {
					t.Errorf("price data fields torn: %q vs %q", data.PriceText, data.Price.Dec())
					return
				}
				if got := len(svc.Assets()); got != 2 {
					t.Errorf("asset listing returned %d entries", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func mustSetPrice(t *testing.T, svc *Service, asset string, price *uint256.Int) {
	t.Helper()
	mustSetPriceWith(t, svc, adminToken, asset, price)
}

func mustSetPriceWith(t *testing.T, svc *Service, token, asset string, price *uint256.Int) {
	t.Helper()
	if err := svc.SetPrice(context.Background(), token, asset, price); err != nil {
		t.Fatalf("set price %s: %v", asset, err)
	}
}
