// Package runtime wires the oracle engine, its storage, the background
// refresher, and the HTTP server into a runnable application.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/httpapi"
	"github.com/stakefolio/oracle-engine/internal/app/metrics"
	oraclesvc "github.com/stakefolio/oracle-engine/internal/app/services/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/storage"
	"github.com/stakefolio/oracle-engine/internal/app/storage/memory"
	"github.com/stakefolio/oracle-engine/internal/app/storage/postgres"
	"github.com/stakefolio/oracle-engine/internal/app/system"
	"github.com/stakefolio/oracle-engine/internal/config"
	"github.com/stakefolio/oracle-engine/pkg/admin"
	"github.com/stakefolio/oracle-engine/pkg/logger"
)

// Application bundles the wired components and manages their lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	oracle     *oraclesvc.Service
	sources    map[string]oraclesvc.Source
	services   []system.Service
	httpServer *http.Server
	closers    []func() error
}

// NewApplication constructs an application from the loaded config.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires an application around an explicit
// configuration, used by tests.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	app := &Application{cfg: cfg, log: log}

	snapshots, err := app.buildSnapshotStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure snapshot store: %w", err)
	}

	var authorizer admin.Authorizer
	if cfg.Admin.Token != "" {
		authorizer = admin.NewStaticTokenAuthorizer(cfg.Admin.Token)
	} else {
		log.Warn("no admin token configured; administrative endpoints disabled")
		authorizer = admin.AuthorizerFunc(nil)
	}

	engineCfg := domain.Config{
		MaxPriceAge:                  cfg.Oracle.MaxPriceAge(),
		StalenessCheckEnabled:        cfg.Oracle.StalenessCheckEnabled,
		DeviationThresholdBps:        cfg.Oracle.DeviationThresholdBps,
		ExtremeDeviationThresholdBps: cfg.Oracle.ExtremeDeviationThresholdBps,
		CircuitBreakerEnabled:        cfg.Oracle.CircuitBreakerEnabled,
		CircuitBreakerCooldown:       cfg.Oracle.CircuitBreakerCooldown(),
		MaxConvergenceSteps:          cfg.Oracle.MaxConvergenceSteps,
		FreshCacheWindow:             cfg.Oracle.FreshCacheWindow(),
	}
	app.oracle = oraclesvc.New(snapshots, authorizer, log.WithField("service", "oracle"),
		oraclesvc.WithConfig(engineCfg))

	if err := app.buildSources(cfg); err != nil {
		return nil, fmt.Errorf("configure sources: %w", err)
	}

	if cfg.Refresh.Enabled {
		refresher := oraclesvc.NewRefresher(app.oracle, log.WithField("service", "oracle-refresher"))
		if cfg.Refresh.Schedule != "" {
			if err := refresher.WithSchedule(cfg.Refresh.Schedule); err != nil {
				return nil, err
			}
		}
		app.services = append(app.services, refresher)
	}

	handler := httpapi.NewHandler(app.oracle, app.sources, log.WithField("service", "httpapi"))
	limiter := httpapi.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst, log)
	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           metrics.InstrumentHandler(limiter.Handler(handler)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return app, nil
}

func (a *Application) buildSnapshotStore(cfg *config.Config) (storage.SnapshotStore, error) {
	if cfg.Database.DSN == "" {
		return memory.New(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *Application) buildSources(cfg *config.Config) error {
	a.sources = make(map[string]oraclesvc.Source, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		timeout := 5 * time.Second
		if sc.TimeoutMS > 0 {
			timeout = time.Duration(sc.TimeoutMS) * time.Millisecond
		}
		src, err := oraclesvc.NewHTTPSource(&http.Client{Timeout: timeout}, oraclesvc.HTTPSourceConfig{
			Name:          sc.Name,
			Endpoint:      sc.Endpoint,
			APIKey:        sc.APIKey,
			ValuePath:     sc.ValuePath,
			ExponentPath:  sc.ExponentPath,
			TimestampPath: sc.TimestampPath,
			Decimals:      sc.Decimals,
			Feeds:         sc.Feeds,
			RatePerSecond: sc.RatePerSecond,
		})
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		a.sources[sc.Name] = src
	}

	ctx := context.Background()
	for _, ac := range cfg.Assets {
		var primary, backup oraclesvc.Source
		if ac.Primary != "" {
			primary = a.sources[ac.Primary]
		}
		if ac.Backup != "" {
			backup = a.sources[ac.Backup]
		}
		if err := a.oracle.Bootstrap(ctx, ac.Asset, primary, backup, ac.FeedID); err != nil {
			return fmt.Errorf("asset %s: %w", ac.Asset, err)
		}
	}
	return nil
}

// Oracle exposes the engine facade for embedding callers.
func (a *Application) Oracle() *oraclesvc.Service { return a.oracle }

// Run starts the background services and the HTTP server and blocks
// until the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.httpServer.Addr).Info("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return a.shutdown()
	case err := <-errCh:
		if err != nil {
			a.shutdown()
			return err
		}
		return a.shutdown()
	}
}

func (a *Application) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var firstErr error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	for _, svc := range a.services {
		if err := svc.Stop(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("application stopped")
	return firstErr
}
