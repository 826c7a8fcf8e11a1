package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/metrics"
)

// candidate is a normalized observation ready for classification.
type candidate struct {
	price  *uint256.Int
	source string
}

// FetchAndCommit routes an update through the configured sources:
// primary first, backup on primary failure, secondary opinion on
// suspicious deviations. All network I/O happens before the per-asset
// write section is acquired; a failed update leaves stored state
// untouched.
func (s *Service) FetchAndCommit(ctx context.Context, asset string) (domain.PriceData, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return domain.PriceData{}, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	cfg := s.config()

	st.mu.RLock()
	primary, backup := st.primary, st.backup
	breakerOpen := st.breaker.Triggered
	var oldPrice *uint256.Int
	if st.record.Price != nil {
		oldPrice = new(uint256.Int).Set(st.record.Price)
	}
	st.mu.RUnlock()

	if breakerOpen {
		return domain.PriceData{}, fmt.Errorf("%w: %s", ErrCircuitBreakerOpen, asset)
	}
	if primary == nil && backup == nil {
		return domain.PriceData{}, fmt.Errorf("%w: %s has no configured sources", ErrAllSourcesFailed, asset)
	}

	// Resolve sources outside any lock.
	cand, backupTried, err := s.resolvePrimary(ctx, asset, primary, backup, cfg)
	if err != nil {
		return domain.PriceData{}, err
	}

	// Prefetch the backup opinion while unlocked whenever the
	// pre-lock classification suggests it will be consulted.
	var opinion *candidate
	if !backupTried && backup != nil && oldPrice != nil && !oldPrice.IsZero() {
		if class, _, cerr := Classify(oldPrice, cand.price, cfg); cerr == nil && class != domain.Normal && class != domain.FirstPrice {
			if price, ferr := s.fetchCandidate(ctx, backup, asset, cfg); ferr == nil {
				opinion = &candidate{price: price, source: backup.Name()}
			} else {
				metrics.RecordSourceFailure("backup")
				s.log.WithError(ferr).
					WithField("asset", asset).
					WithField("source", backup.Name()).
					Warn("backup opinion fetch failed")
			}
		}
	}

	return s.applyCandidate(ctx, st, cfg, cand, opinion)
}

// SmartUpdate serves the cached price unchanged when it is younger than
// the fresh-cache window, avoiding an upstream round trip per request.
func (s *Service) SmartUpdate(ctx context.Context, asset string) (domain.PriceData, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return domain.PriceData{}, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}
	cfg := s.config()

	st.mu.RLock()
	fresh := st.record.Price != nil && !st.record.Price.IsZero() &&
		s.now().Sub(st.record.LastUpdated) < cfg.FreshCacheWindow
	var data domain.PriceData
	if fresh {
		data = s.priceDataLocked(st)
	}
	st.mu.RUnlock()

	if fresh {
		return data, nil
	}
	return s.FetchAndCommit(ctx, asset)
}

// Advance moves an in-progress convergence one step toward its target.
// Idempotent: with no convergence pending it is a no-op. Each step that
// changes the committed price counts as a normal commit.
func (s *Service) Advance(ctx context.Context, asset string) (domain.PriceData, bool, error) {
	st, ok := s.store.lookup(asset)
	if !ok {
		return domain.PriceData{}, false, fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
	}

	st.mu.Lock()
	if st.breaker.Triggered {
		data := s.priceDataLocked(st)
		st.mu.Unlock()
		return data, false, fmt.Errorf("%w: %s", ErrCircuitBreakerOpen, asset)
	}
	next, done, changed := convergenceStep(st.record.Price, st.conv)
	var snap *domain.Snapshot
	if changed {
		snap = s.commitLocked(st, next, s.now(), "convergence", domain.Normal, 0)
		metrics.RecordConvergenceStep()
	}
	if done {
		st.conv = domain.ConvergenceState{}
	}
	data := s.priceDataLocked(st)
	st.mu.Unlock()

	s.persistSnapshot(ctx, snap)
	return data, changed, nil
}

// resolvePrimary tries the primary source and falls back to the backup.
// backupTried reports that the backup already served as the candidate
// and must not be consulted again as a secondary opinion.
func (s *Service) resolvePrimary(ctx context.Context, asset string, primary, backup Source, cfg domain.Config) (candidate, bool, error) {
	if primary != nil {
		price, err := s.fetchCandidate(ctx, primary, asset, cfg)
		if err == nil {
			return candidate{price: price, source: primary.Name()}, false, nil
		}
		metrics.RecordSourceFailure("primary")
		s.log.WithError(err).
			WithField("asset", asset).
			WithField("source", primary.Name()).
			Warn("primary source failed")
	}
	if backup != nil {
		price, err := s.fetchCandidate(ctx, backup, asset, cfg)
		if err == nil {
			return candidate{price: price, source: backup.Name()}, true, nil
		}
		metrics.RecordSourceFailure("backup")
		s.log.WithError(err).
			WithField("asset", asset).
			WithField("source", backup.Name()).
			Warn("backup source failed")
	}
	return candidate{}, false, fmt.Errorf("%w: %s", ErrAllSourcesFailed, asset)
}

// fetchCandidate fetches one observation and normalizes it. Stale
// publications count as source failures.
func (s *Service) fetchCandidate(ctx context.Context, src Source, asset string, cfg domain.Config) (*uint256.Int, error) {
	sample, err := src.Fetch(ctx, asset)
	if err != nil {
		return nil, err
	}
	if !sample.PublishedAt.IsZero() {
		if age := s.now().Sub(sample.PublishedAt); age > cfg.MaxPriceAge {
			return nil, fmt.Errorf("observation is %s old, max age %s", age.Truncate(time.Second), cfg.MaxPriceAge)
		}
	}
	return Normalize(sample.RawValue, sample.Decimals)
}

// applyCandidate re-classifies under the write lock and applies the
// decision tree: commit, secondary-opinion override, breaker trip, or
// convergence scheduling.
func (s *Service) applyCandidate(ctx context.Context, st *assetState, cfg domain.Config, cand candidate, opinion *candidate) (domain.PriceData, error) {
	emergency := s.emergencyActive()
	now := s.now()

	st.mu.Lock()
	if st.breaker.Triggered {
		st.mu.Unlock()
		return domain.PriceData{}, fmt.Errorf("%w: %s", ErrCircuitBreakerOpen, st.record.Asset)
	}

	class, bps, err := Classify(st.record.Price, cand.price, cfg)
	if err != nil {
		st.mu.Unlock()
		return domain.PriceData{}, err
	}

	var snap *domain.Snapshot
	switch class {
	case domain.FirstPrice, domain.Normal:
		snap = s.commitLocked(st, cand.price, now, cand.source, class, bps)

	case domain.Moderate:
		if agreed, abps := s.opinionAgrees(st.record.Price, opinion, cfg); agreed {
			snap = s.commitLocked(st, opinion.price, now, opinion.source, domain.Normal, abps)
			break
		}
		if cfg.CircuitBreakerEnabled && !emergency {
			tripBreaker(&st.breaker, now, bps)
			metrics.RecordBreakerTrip(class.String())
			s.log.WithField("asset", st.record.Asset).
				WithField("deviation_bps", bps).
				Warn("circuit breaker tripped")
		} else {
			snap = s.commitLocked(st, cand.price, now, cand.source, class, bps)
		}

	case domain.Extreme:
		if agreed, abps := s.opinionAgrees(st.record.Price, opinion, cfg); agreed {
			snap = s.commitLocked(st, opinion.price, now, opinion.source, domain.Normal, abps)
			break
		}
		target := cand.price
		source := cand.source
		if opinion != nil {
			blended, berr := averagePrices(cand.price, opinion.price)
			if berr != nil {
				st.mu.Unlock()
				return domain.PriceData{}, berr
			}
			target = blended
			source = "blended"
		}
		if plan, immediate := planConvergence(st.record.Price, target, cfg.MaxConvergenceSteps); immediate {
			snap = s.commitLocked(st, target, now, source, class, bps)
		} else {
			st.conv = plan
			s.log.WithField("asset", st.record.Asset).
				WithField("deviation_bps", bps).
				WithField("target", target.Dec()).
				Info("extreme deviation scheduled for gradual convergence")
		}
	}
	data := s.priceDataLocked(st)
	st.mu.Unlock()

	s.persistSnapshot(ctx, snap)
	return data, nil
}

// opinionAgrees reports whether the backup's candidate lies within the
// normal deviation threshold of the stored price.
func (s *Service) opinionAgrees(current *uint256.Int, opinion *candidate, cfg domain.Config) (bool, uint64) {
	if opinion == nil || current == nil || current.IsZero() {
		return false, 0
	}
	bps, err := DeviationBps(current, opinion.price)
	if err != nil {
		return false, 0
	}
	return bps <= cfg.DeviationThresholdBps, bps
}

// averagePrices blends two candidates with overflow-checked addition
// and floor division.
func averagePrices(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrDeviationOverflow
	}
	return sum.Div(sum, uint256.NewInt(2)), nil
}
