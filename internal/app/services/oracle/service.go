// Package oracle implements the price oracle aggregation and
// circuit-breaker engine: normalization of upstream observations,
// deviation classification, per-asset circuit breaking, gradual
// convergence of extreme moves, and primary/backup source routing.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/metrics"
	"github.com/stakefolio/oracle-engine/internal/app/storage"
	"github.com/stakefolio/oracle-engine/pkg/admin"
	"github.com/stakefolio/oracle-engine/pkg/logger"
)

// Service is the engine facade. All per-asset state is owned here and
// mutated only through the defined operations.
type Service struct {
	store     *priceStore
	snapshots storage.SnapshotStore
	auth      admin.Authorizer
	log       *logger.Logger
	now       func() time.Time

	cfgMu     sync.RWMutex
	cfg       domain.Config
	emergency domain.EmergencyState
}

// Option customizes service construction.
type Option func(*Service)

// WithClock overrides the time source. Used by tests to drive cooldown
// and staleness arithmetic deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConfig overrides the default engine configuration.
func WithConfig(cfg domain.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// New constructs the engine. The snapshot store is optional; a nil
// store disables the diagnostic history. A nil authorizer rejects every
// administrative call.
func New(snapshots storage.SnapshotStore, auth admin.Authorizer, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("oracle")
	}
	if auth == nil {
		auth = admin.AuthorizerFunc(nil)
	}
	s := &Service{
		store:     newPriceStore(),
		snapshots: snapshots,
		auth:      auth,
		log:       log,
		now:       time.Now,
		cfg:       domain.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// config returns a consistent copy of the global configuration.
func (s *Service) config() domain.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Config exposes the current global configuration.
func (s *Service) Config() domain.Config { return s.config() }

// Emergency reports the emergency override latch.
func (s *Service) Emergency() domain.EmergencyState {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.emergency
}

func (s *Service) emergencyActive() bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.emergency.Active
}

// --- Read operations --------------------------------------------------------

// GetPrice returns the committed canonical price for an asset. When the
// staleness check is enabled a price older than MaxPriceAge yields
// ErrPriceStale instead of stale data.
func (s *Service) GetPrice(_ context.Context, asset string) (*uint256.Int, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	cfg := s.config()

	st.mu.RLock()
	defer st.mu.RUnlock()

	if !st.record.Active {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	if st.record.Price == nil || st.record.Price.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoValidPrice, asset)
	}
	if cfg.StalenessCheckEnabled && s.now().Sub(st.record.LastUpdated) > cfg.MaxPriceAge {
		return nil, fmt.Errorf("%w: %s", ErrPriceStale, asset)
	}
	return new(uint256.Int).Set(st.record.Price), nil
}

// GetPriceWithFallback returns the freshest usable price. When the
// current price has aged past MaxPriceAge the last-known-good value is
// served instead, flagged stale; with no prior value the stale current
// price itself is served. ErrNoValidPrice means neither exists.
func (s *Service) GetPriceWithFallback(_ context.Context, asset string) (*uint256.Int, bool, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	cfg := s.config()

	st.mu.RLock()
	defer st.mu.RUnlock()

	if !st.record.Active {
		return nil, false, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	hasCurrent := st.record.Price != nil && !st.record.Price.IsZero()
	if hasCurrent && s.now().Sub(st.record.LastUpdated) <= cfg.MaxPriceAge {
		return new(uint256.Int).Set(st.record.Price), false, nil
	}
	if st.record.LastKnownGood != nil && !st.record.LastKnownGood.IsZero() {
		return new(uint256.Int).Set(st.record.LastKnownGood), true, nil
	}
	if hasCurrent {
		return new(uint256.Int).Set(st.record.Price), true, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrNoValidPrice, asset)
}

// GetPriceData returns the diagnostic view of an asset's record.
func (s *Service) GetPriceData(_ context.Context, asset string) (domain.PriceData, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return domain.PriceData{}, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if !st.record.Active {
		return domain.PriceData{}, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	return s.priceDataLocked(st), nil
}

// priceDataLocked builds the read view; callers hold at least the read
// side of the asset mutex.
func (s *Service) priceDataLocked(st *assetState) domain.PriceData {
	data := domain.PriceData{
		Asset:       st.record.Asset,
		LastUpdated: st.record.LastUpdated,
		Active:      st.record.Active,
		UpdateCount: st.record.UpdateCount,
		BreakerOpen: st.breaker.Triggered,
		Converging:  st.conv.InProgress(),
	}
	if st.record.Price != nil {
		data.Price = new(uint256.Int).Set(st.record.Price)
		data.PriceText = st.record.Price.Dec()
	}
	if !st.record.LastUpdated.IsZero() {
		age := s.now().Sub(st.record.LastUpdated)
		if age > 0 {
			data.Age = uint64(age / time.Second)
		}
	}
	return data
}

// SourceNames reports the configured source handles for an asset.
func (s *Service) SourceNames(asset string) (domain.SourceConfig, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return domain.SourceConfig{}, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sourceNames(), nil
}

// Assets lists the configured asset keys.
func (s *Service) Assets() []string {
	states := s.store.list()
	out := make([]string, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		if st.record.Active {
			out = append(out, st.record.Asset)
		}
		st.mu.RUnlock()
	}
	return out
}

// --- Administrative operations ----------------------------------------------

// SetPrice commits a price through the manual path, bypassing sources
// entirely. The candidate still passes the deviation guard and circuit
// breaker unless emergency mode is active. A first price for a new
// asset activates it.
func (s *Service) SetPrice(ctx context.Context, token, asset string, price *uint256.Int) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	if asset == "" || price == nil || price.IsZero() {
		return fmt.Errorf("%w: asset and positive price required", ErrInvalidConfig)
	}
	cfg := s.config()
	emergency := s.emergencyActive()
	st := s.store.ensure(asset)
	now := s.now()

	st.mu.Lock()
	if emergency {
		snap := s.commitLocked(st, price, now, "manual", domain.Normal, 0)
		st.conv = domain.ConvergenceState{}
		st.mu.Unlock()
		s.persistSnapshot(ctx, snap)
		s.log.WithField("asset", asset).Warn("manual price committed under emergency override")
		return nil
	}
	if st.breaker.Triggered {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCircuitBreakerOpen, asset)
	}

	class, bps, err := Classify(st.record.Price, price, cfg)
	if err != nil {
		st.mu.Unlock()
		return err
	}

	var snap *domain.Snapshot
	switch class {
	case domain.FirstPrice, domain.Normal:
		snap = s.commitLocked(st, price, now, "manual", class, bps)
	case domain.Moderate:
		if cfg.CircuitBreakerEnabled {
			tripBreaker(&st.breaker, now, bps)
			metrics.RecordBreakerTrip(class.String())
			s.log.WithField("asset", asset).
				WithField("deviation_bps", bps).
				Warn("circuit breaker tripped by manual price")
		} else {
			snap = s.commitLocked(st, price, now, "manual", class, bps)
		}
	case domain.Extreme:
		if plan, immediate := planConvergence(st.record.Price, price, cfg.MaxConvergenceSteps); immediate {
			snap = s.commitLocked(st, price, now, "manual", class, bps)
		} else {
			st.conv = plan
			s.log.WithField("asset", asset).
				WithField("deviation_bps", bps).
				Info("manual price scheduled for gradual convergence")
		}
	}
	st.mu.Unlock()

	s.persistSnapshot(ctx, snap)
	return nil
}

// ConfigureSource assigns the primary and optional backup source for an
// asset. Configuring a source activates the asset; a nil primary leaves
// the asset on manual updates only.
func (s *Service) ConfigureSource(ctx context.Context, token, asset string, primary, backup Source, feedID string) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	if asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidConfig)
	}
	st := s.store.ensure(asset)

	st.mu.Lock()
	st.primary = primary
	st.backup = backup
	st.feedID = feedID
	st.record.Active = true
	names := st.sourceNames()
	st.mu.Unlock()

	s.log.WithField("asset", asset).
		WithField("primary", names.Primary).
		WithField("backup", names.Backup).
		Info("price sources configured")
	return nil
}

// Bootstrap configures an asset's sources during application wiring,
// before the service is exposed to callers. Unlike ConfigureSource it
// is not gated by the authorization capability.
func (s *Service) Bootstrap(_ context.Context, asset string, primary, backup Source, feedID string) error {
	if asset == "" {
		return fmt.Errorf("%w: asset required", ErrInvalidConfig)
	}
	st := s.store.ensure(asset)
	st.mu.Lock()
	st.primary = primary
	st.backup = backup
	st.feedID = feedID
	st.record.Active = true
	st.mu.Unlock()
	return nil
}

// SetThresholds updates the deviation classification boundaries.
func (s *Service) SetThresholds(ctx context.Context, token string, deviationBps, extremeBps uint64) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	if deviationBps == 0 || extremeBps <= deviationBps {
		return fmt.Errorf("%w: thresholds must satisfy 0 < deviation < extreme", ErrInvalidConfig)
	}
	s.cfgMu.Lock()
	s.cfg.DeviationThresholdBps = deviationBps
	s.cfg.ExtremeDeviationThresholdBps = extremeBps
	s.cfgMu.Unlock()
	s.log.WithField("deviation_bps", deviationBps).
		WithField("extreme_bps", extremeBps).
		Info("deviation thresholds updated")
	return nil
}

// SetMaxPriceAge updates the staleness bound; accepted range is one
// minute to one day.
func (s *Service) SetMaxPriceAge(ctx context.Context, token string, age time.Duration) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	if age < time.Minute || age > 24*time.Hour {
		return fmt.Errorf("%w: max price age must be within [1m, 24h]", ErrInvalidConfig)
	}
	s.cfgMu.Lock()
	s.cfg.MaxPriceAge = age
	s.cfgMu.Unlock()
	s.log.WithField("max_price_age", age.String()).Info("max price age updated")
	return nil
}

// EnableStalenessCheck toggles staleness enforcement on reads.
func (s *Service) EnableStalenessCheck(ctx context.Context, token string, enabled bool) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.StalenessCheckEnabled = enabled
	s.cfgMu.Unlock()
	s.log.WithField("enabled", enabled).Info("staleness check toggled")
	return nil
}

// EnableCircuitBreaker toggles deviation-triggered circuit breaking.
// Classification still informs convergence while disabled.
func (s *Service) EnableCircuitBreaker(ctx context.Context, token string, enabled bool) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.cfg.CircuitBreakerEnabled = enabled
	s.cfgMu.Unlock()
	s.log.WithField("enabled", enabled).Info("circuit breaker toggled")
	return nil
}

// ActivateEmergencyMode engages the human override. While active,
// manual prices and breaker resets bypass circuit-breaker gating.
func (s *Service) ActivateEmergencyMode(ctx context.Context, token, reason string) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.emergency = domain.EmergencyState{Active: true, Reason: reason, ActivatedAt: s.now()}
	s.cfgMu.Unlock()
	s.log.WithField("reason", reason).Warn("emergency mode activated")
	return nil
}

// DeactivateEmergencyMode releases the human override.
func (s *Service) DeactivateEmergencyMode(ctx context.Context, token string) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	s.cfgMu.Lock()
	s.emergency = domain.EmergencyState{}
	s.cfgMu.Unlock()
	s.log.Warn("emergency mode deactivated")
	return nil
}

// ResetCircuitBreaker closes an open breaker. The cooldown must have
// elapsed unless emergency mode is active.
func (s *Service) ResetCircuitBreaker(ctx context.Context, token, asset string) error {
	if err := s.auth.Authorize(ctx, token); err != nil {
		return err
	}
	st, ok := s.store.lookup(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	cfg := s.config()
	force := s.emergencyActive()

	st.mu.Lock()
	err := resetBreaker(&st.breaker, s.now(), cfg.CircuitBreakerCooldown, force)
	st.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s", err, asset)
	}
	metrics.RecordBreakerReset()
	s.log.WithField("asset", asset).WithField("forced", force).Info("circuit breaker reset")
	return nil
}

// --- Commit plumbing --------------------------------------------------------

// commitLocked applies an accepted price. Callers hold the asset write
// lock. Returns the snapshot to persist once the lock is released.
func (s *Service) commitLocked(st *assetState, price *uint256.Int, now time.Time, source string, class domain.DeviationClass, bps uint64) *domain.Snapshot {
	if st.record.Price != nil && !st.record.Price.IsZero() {
		st.record.LastKnownGood = new(uint256.Int).Set(st.record.Price)
	}
	st.record.Price = new(uint256.Int).Set(price)
	st.record.LastUpdated = now
	st.record.UpdateCount++
	st.record.Active = true

	metrics.RecordPriceUpdate(class.String())
	return &domain.Snapshot{
		Asset:        st.record.Asset,
		Price:        st.record.Price.Dec(),
		Source:       source,
		Class:        class.String(),
		DeviationBps: bps,
		CollectedAt:  now,
	}
}

// persistSnapshot appends to the diagnostic history. Best effort: a
// failed write logs a warning and never affects the committed state.
func (s *Service) persistSnapshot(ctx context.Context, snap *domain.Snapshot) {
	if snap == nil || s.snapshots == nil {
		return
	}
	if _, err := s.snapshots.CreateSnapshot(ctx, *snap); err != nil {
		s.log.WithError(err).
			WithField("asset", snap.Asset).
			Warn("price snapshot write failed")
	}
}

// ListSnapshots returns the recorded commit history for an asset.
func (s *Service) ListSnapshots(ctx context.Context, asset string, limit int) ([]domain.Snapshot, error) {
	if s.snapshots == nil {
		return nil, nil
	}
	if _, ok := s.store.lookup(asset); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	return s.snapshots.ListSnapshots(ctx, asset, limit)
}
