package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stakefolio/oracle-engine/internal/app/system"
	"github.com/stakefolio/oracle-engine/pkg/logger"
)

var _ system.Service = (*Refresher)(nil)

// Refresher periodically refreshes every asset with configured sources
// and advances pending convergences. The engine itself mandates no
// scheduler; this is the bundled external caller and may be disabled
// entirely.
type Refresher struct {
	service *Service
	log     *logger.Logger

	mu       sync.Mutex
	schedule cron.Schedule
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// NewRefresher creates a lifecycle-managed refresher ticking every 15
// seconds until a schedule is set.
func NewRefresher(service *Service, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("oracle-refresher")
	}
	return &Refresher{
		service:  service,
		log:      log,
		schedule: cron.Every(15 * time.Second),
	}
}

// WithSchedule sets the activation schedule from a cron spec, either an
// interval ("@every 30s") or a calendar expression ("30 4 * * *").
func (r *Refresher) WithSchedule(spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse refresh schedule: %w", err)
	}
	r.mu.Lock()
	r.schedule = sched
	r.mu.Unlock()
	return nil
}

// untilNext returns the wait before the activation following now. The
// schedule is consulted every tick so calendar expressions keep their
// calendar meaning instead of freezing into the first interval.
func (r *Refresher) untilNext(now time.Time) time.Duration {
	r.mu.Lock()
	sched := r.schedule
	r.mu.Unlock()

	d := sched.Next(now).Sub(now)
	if d <= 0 {
		return time.Second
	}
	return d
}

func (r *Refresher) Name() string { return "oracle-refresher" }

func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.untilNext(time.Now()))
		defer timer.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				r.tick(runCtx)
				timer.Reset(r.untilNext(time.Now()))
			}
		}
	}()

	r.log.Info("oracle refresher started")
	return nil
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("oracle refresher stopped")
	return nil
}

func (r *Refresher) tick(ctx context.Context) {
	if r.service == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, asset := range r.service.Assets() {
		names, err := r.service.SourceNames(asset)
		if err != nil {
			continue
		}
		if names.Primary != "" || names.Backup != "" {
			if _, err := r.service.SmartUpdate(ctx, asset); err != nil && !errors.Is(err, ErrCircuitBreakerOpen) {
				r.log.WithError(err).
					WithField("asset", asset).
					Warn("scheduled refresh failed")
			}
		}
		if _, _, err := r.service.Advance(ctx, asset); err != nil && !errors.Is(err, ErrCircuitBreakerOpen) {
			r.log.WithError(err).
				WithField("asset", asset).
				Warn("convergence advance failed")
		}
	}
}
