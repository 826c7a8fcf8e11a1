package oracle

import (
	"github.com/holiman/uint256"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

// planConvergence computes the stepped transition from the current
// price toward target. When the difference is too small to split into
// maxSteps discrete steps, the move is trivial and the caller should
// commit target directly; immediate reports that case.
func planConvergence(from, target *uint256.Int, maxSteps uint64) (state domain.ConvergenceState, immediate bool) {
	if maxSteps == 0 {
		return domain.ConvergenceState{}, true
	}
	diff := new(uint256.Int)
	if target.Gt(from) {
		diff.Sub(target, from)
	} else {
		diff.Sub(from, target)
	}
	step := diff.Div(diff, uint256.NewInt(maxSteps))
	if step.IsZero() {
		return domain.ConvergenceState{}, true
	}
	return domain.ConvergenceState{
		Target: new(uint256.Int).Set(target),
		Step:   step,
	}, false
}

// convergenceStep moves current one step toward the target, clamping on
// overshoot. done reports that the target has been reached and the
// state should be cleared. A call with no convergence in progress
// returns the current price unchanged.
func convergenceStep(current *uint256.Int, state domain.ConvergenceState) (next *uint256.Int, done bool, changed bool) {
	if !state.InProgress() {
		return current, false, false
	}
	next = new(uint256.Int)
	if state.Target.Gt(current) {
		next.Add(current, state.Step)
		if next.Gt(state.Target) {
			next.Set(state.Target)
		}
	} else {
		// Guard against underflow when the remaining gap is below one step.
		remaining := new(uint256.Int).Sub(current, state.Target)
		if state.Step.Gt(remaining) {
			next.Set(state.Target)
		} else {
			next.Sub(current, state.Step)
		}
	}
	return next, next.Eq(state.Target), !next.Eq(current)
}
