// Package server wires the smartbin services together and runs them: the
// gRPC endpoint, the metrics endpoint, the store health checker, the
// inactivity sweeper and the offline queue drainer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/dispatch"
	"github.com/dmitrijs2005/smartbin/internal/filex"
	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/scheduler"
	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/server/availability"
	"github.com/dmitrijs2005/smartbin/internal/server/config"
	"github.com/dmitrijs2005/smartbin/internal/server/metrics"
	"github.com/dmitrijs2005/smartbin/internal/server/offline"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/server/services"
	"github.com/dmitrijs2005/smartbin/internal/timex"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/smartbin/internal/server/grpc"
)

type App struct {
	config     *config.Config
	logger     logging.Logger
	store      repomanager.RepositoryManager
	queue      offline.Store
	dispatch   *dispatch.Queue[*services.ScoreResult]
	monitor    *availability.Monitor
	checker    *availability.HealthChecker
	arbitrator *services.ConnectionArbitrator
	drainer    *offline.Drainer
	grpc       *gs.GRPCServer
	metrics    *http.Server
	closers    []func() error

	// closed while the schema still has to be applied
	schema *schemaGate
}

// schemaGate reports the store as unreachable until migrations have been
// applied, so the health checker cannot go online against a bare database.
type schemaGate struct {
	pinger  availability.Pinger
	pending atomic.Bool
}

func newSchemaGate(p availability.Pinger, pending bool) *schemaGate {
	g := &schemaGate{pinger: p}
	g.pending.Store(pending)
	return g
}

func (g *schemaGate) Ping(ctx context.Context) error {
	if g.pending.Load() {
		return fmt.Errorf("schema not migrated: %w", common.ErrStoreUnavailable)
	}
	return g.pinger.Ping(ctx)
}

func (g *schemaGate) open() { g.pending.Store(false) }

func NewApp(c *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	ctx := context.Background()
	clock := timex.SystemClock{}

	app := &App{config: c, logger: logger}

	online := true
	pending := false
	if c.UsesMemoryStore() {
		app.store = repomanager.NewInMemoryRepositoryManager()
	} else {
		pm, err := repomanager.NewPostgresRepositoryManager(c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		app.closers = append(app.closers, pm.Close)
		app.store = pm

		// start degraded; the health checker flips the monitor once the
		// database answers
		if err := pm.RunMigrations(ctx); err != nil {
			logger.Error(ctx, "migrations failed, starting offline", "error", err)
			online = false
			pending = true
		}
	}

	app.monitor = availability.NewMonitor(online)
	metrics.SetStoreOnline(online)

	if c.OfflineStorePath != "" {
		path, err := filex.EnsureParentDir(c.OfflineStorePath)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("offline store init error: %w", err)
		}
		q, err := offline.OpenSQLiteStore(ctx, path, clock)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("offline store init error: %w", err)
		}
		app.queue = q
	} else {
		app.queue = offline.NewMemoryStore(clock)
	}
	app.closers = append(app.closers, app.queue.Close)

	httpClient := &http.Client{Timeout: c.RecognitionTimeout}
	images := services.NewImageArchive(c, httpClient, clock)

	tokens := services.NewTokenManager(app.store, clock)
	app.arbitrator = services.NewConnectionArbitrator(app.store, tokens, app.monitor, clock, logger)
	devices := services.NewDeviceService(app.store, tokens, app.arbitrator, app.queue, images, app.monitor, clock, logger)
	bins := services.NewBinService(app.store, app.queue, app.monitor, clock, logger)

	app.dispatch = dispatch.New[*services.ScoreResult](c.RecognitionConcurrency, c.RecognitionTimeout)
	scorer := services.NewHTTPScorer(c.RecognitionURL, httpClient)
	recognition := services.NewRecognitionService(app.store, app.dispatch, scorer, images, app.monitor, clock, logger)

	app.drainer = offline.NewDrainer(app.queue, app.monitor, logger)
	devices.RegisterReplayers(app.drainer)
	bins.RegisterReplayers(app.drainer)

	app.schema = newSchemaGate(app.store, pending)
	app.checker = availability.NewHealthChecker(app.monitor, app.schema, c.HealthCheckInterval, logger)

	app.grpc = gs.NewGRPCServer(c.EndpointAddrGRPC, logger, gs.Services{
		Devices:     devices,
		Connections: app.arbitrator,
		Bins:        bins,
		Recognition: recognition,
		Store:       app.monitor,
	}, c.SecretKey)

	if c.MetricsAddr != "" {
		app.metrics = metrics.NewServer(c.MetricsAddr)
	}

	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) serveMetrics(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.metrics.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.metrics.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// retryMigrations applies the schema on every health check tick until it
// succeeds once, then lets the health checker see the store.
func (app *App) retryMigrations(ctx context.Context, s *scheduler.Scheduler) error {
	ctx, done := context.WithCancel(ctx)
	defer done()

	return s.Run(ctx, scheduler.Task{
		Name:     "migrations",
		Interval: app.config.HealthCheckInterval,
		Run: func(ctx context.Context) error {
			if err := app.store.RunMigrations(ctx); err != nil {
				return err
			}
			app.logger.Info(ctx, "migrations applied")
			app.schema.open()
			app.monitor.Nudge()
			done()
			return nil
		},
	})
}

// Run blocks until ctx is cancelled, a signal arrives or one of the
// components fails.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.close()

	app.logger.Info(ctx, "Starting app...", "grpc", app.config.EndpointAddrGRPC, "metrics", app.config.MetricsAddr)

	app.initSignalHandler(cancelFunc)

	sched := scheduler.New(timex.SystemClock{}, app.logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.grpc.Run(gctx) })
	if app.metrics != nil {
		g.Go(func() error { return app.serveMetrics(gctx) })
	}
	g.Go(func() error { return app.checker.Run(gctx, sched) })
	if app.schema.pending.Load() {
		g.Go(func() error { return app.retryMigrations(gctx, sched) })
	}
	g.Go(func() error { return app.arbitrator.RunSweeper(gctx, sched) })
	g.Go(func() error {
		return app.drainer.Run(gctx, sched, app.config.DrainInterval, app.monitor.Recovered())
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error(ctx, "app stopped", "error", err)
		return err
	}

	app.logger.Info(ctx, "app stopped")
	return nil
}

func (app *App) close() {
	if app.dispatch != nil {
		app.dispatch.Close()
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Warn(context.Background(), "close failed", "error", err)
		}
	}
	app.closers = nil
}
