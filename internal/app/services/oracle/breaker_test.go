package oracle

import (
	"errors"
	"testing"
	"time"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

func TestBreakerTripIsLatched(t *testing.T) {
	var st domain.BreakerState
	t0 := time.Unix(1_700_000_000, 0)

	tripBreaker(&st, t0, 1500)
	if !st.Triggered || !st.TriggerTime.Equal(t0) || st.TripDeviationBps != 1500 {
		t.Fatalf("unexpected state after trip: %+v", st)
	}

	// A second trip must not extend the cooldown window.
	tripBreaker(&st, t0.Add(30*time.Minute), 2500)
	if !st.TriggerTime.Equal(t0) || st.TripDeviationBps != 1500 {
		t.Fatalf("second trip mutated state: %+v", st)
	}
}

func TestBreakerResetCooldown(t *testing.T) {
	var st domain.BreakerState
	t0 := time.Unix(1_700_000_000, 0)
	cooldown := time.Hour

	if err := resetBreaker(&st, t0, cooldown, false); !errors.Is(err, ErrNotTriggered) {
		t.Fatalf("expected ErrNotTriggered, got %v", err)
	}

	tripBreaker(&st, t0, 1500)

	if err := resetBreaker(&st, t0.Add(30*time.Minute), cooldown, false); !errors.Is(err, ErrCooldownNotElapsed) {
		t.Fatalf("expected ErrCooldownNotElapsed, got %v", err)
	}
	if !st.Triggered {
		t.Fatalf("failed reset must not clear the latch")
	}

	if err := resetBreaker(&st, t0.Add(61*time.Minute), cooldown, false); err != nil {
		t.Fatalf("reset after cooldown: %v", err)
	}
	if st.Triggered || !st.TriggerTime.IsZero() {
		t.Fatalf("unexpected state after reset: %+v", st)
	}
}

func TestBreakerEmergencyClearBypassesCooldown(t *testing.T) {
	var st domain.BreakerState
	t0 := time.Unix(1_700_000_000, 0)

	tripBreaker(&st, t0, 1500)
	if err := resetBreaker(&st, t0.Add(time.Minute), time.Hour, true); err != nil {
		t.Fatalf("forced reset: %v", err)
	}
	if st.Triggered {
		t.Fatalf("forced reset left breaker open")
	}
}
