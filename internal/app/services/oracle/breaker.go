package oracle

import (
	"time"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

// tripBreaker latches the per-asset breaker open. Idempotent: a breaker
// that is already open keeps its original trigger time so the cooldown
// cannot be extended by repeated suspicious updates.
func tripBreaker(st *domain.BreakerState, now time.Time, bps uint64) {
	if st.Triggered {
		return
	}
	st.Triggered = true
	st.TriggerTime = now
	st.TripDeviationBps = bps
}

// resetBreaker closes the breaker. Unless force is set (emergency
// clear), the configured cooldown must have elapsed since the trip.
func resetBreaker(st *domain.BreakerState, now time.Time, cooldown time.Duration, force bool) error {
	if !st.Triggered {
		return ErrNotTriggered
	}
	if !force && now.Before(st.TriggerTime.Add(cooldown)) {
		return ErrCooldownNotElapsed
	}
	st.Triggered = false
	st.TriggerTime = time.Time{}
	st.TripDeviationBps = 0
	return nil
}
