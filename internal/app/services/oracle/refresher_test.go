package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stakefolio/oracle-engine/internal/app/storage/memory"
	"github.com/stakefolio/oracle-engine/pkg/admin"
)

func TestRefresherLifecycle(t *testing.T) {
	svc := New(memory.New(), admin.AllowAll{}, nil)
	primary := &stubSource{name: "feedA", raw: rawCents(100)}
	bootstrapAsset(t, svc, "CORE", primary, nil)

	r := NewRefresher(svc, nil)
	if err := r.WithSchedule("@every 10ms"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Idempotent start.
	if err := r.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := svc.GetPrice(ctx, "CORE"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresher never committed a price")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Idempotent stop.
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestRefresherRejectsBadSchedule(t *testing.T) {
	r := NewRefresher(New(nil, admin.AllowAll{}, nil), nil)
	if err := r.WithSchedule("not a schedule"); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}

func TestRefresherCalendarScheduleRecomputesPerTick(t *testing.T) {
	r := NewRefresher(New(nil, admin.AllowAll{}, nil), nil)
	if err := r.WithSchedule("30 4 * * *"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	day := time.Date(2026, 8, 28, 4, 0, 0, 0, time.UTC)
	if d := r.untilNext(day); d != 30*time.Minute {
		t.Fatalf("wait at 04:00: %v, want 30m", d)
	}
	if d := r.untilNext(day.Add(29 * time.Minute)); d != time.Minute {
		t.Fatalf("wait at 04:29: %v, want 1m", d)
	}
	// Past the activation the next wait spans to the following day
	// instead of repeating the first interval.
	if d := r.untilNext(day.Add(31 * time.Minute)); d != 23*time.Hour+59*time.Minute {
		t.Fatalf("wait at 04:31: %v, want 23h59m", d)
	}
}
