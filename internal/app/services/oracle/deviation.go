package oracle

import (
	"github.com/holiman/uint256"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

const bpsDenominator = 10_000

// DeviationBps computes |candidate - current| * 10000 / current using
// overflow-checked 256-bit arithmetic. Deviations whose intermediate
// product or quotient cannot be represented are rejected rather than
// wrapped.
func DeviationBps(current, candidate *uint256.Int) (uint64, error) {
	if current == nil || current.IsZero() {
		return 0, ErrDeviationOverflow
	}

	diff := new(uint256.Int)
	if candidate.Gt(current) {
		diff.Sub(candidate, current)
	} else {
		diff.Sub(current, candidate)
	}

	scaled, overflow := new(uint256.Int).MulOverflow(diff, uint256.NewInt(bpsDenominator))
	if overflow {
		return 0, ErrDeviationOverflow
	}
	bps := scaled.Div(scaled, current)
	if !bps.IsUint64() {
		return 0, ErrDeviationOverflow
	}
	return bps.Uint64(), nil
}

// Classify places a candidate price into a deviation class relative to
// the stored price under the configured thresholds. A zero or absent
// stored price is the first-price case and is always accepted.
func Classify(current, candidate *uint256.Int, cfg domain.Config) (domain.DeviationClass, uint64, error) {
	if current == nil || current.IsZero() {
		return domain.FirstPrice, 0, nil
	}
	bps, err := DeviationBps(current, candidate)
	if err != nil {
		return domain.Normal, 0, err
	}
	switch {
	case bps <= cfg.DeviationThresholdBps:
		return domain.Normal, bps, nil
	case bps <= cfg.ExtremeDeviationThresholdBps:
		return domain.Moderate, bps, nil
	default:
		return domain.Extreme, bps, nil
	}
}
