// Package app builds the long-lived services from configuration and runs
// them: the persistence gateway, archive, publisher, fetch stack, control
// surface, scheduler, and HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-watch/internal/api"
	"github.com/JakeFAU/catalog-watch/internal/change"
	"github.com/JakeFAU/catalog-watch/internal/clock/system"
	"github.com/JakeFAU/catalog-watch/internal/config"
	"github.com/JakeFAU/catalog-watch/internal/crawler"
	"github.com/JakeFAU/catalog-watch/internal/dispatcher"
	"github.com/JakeFAU/catalog-watch/internal/extractor"
	"github.com/JakeFAU/catalog-watch/internal/fetcher/bounded"
	collyfetcher "github.com/JakeFAU/catalog-watch/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-watch/internal/hash/sha256"
	"github.com/JakeFAU/catalog-watch/internal/id/uuid"
	"github.com/JakeFAU/catalog-watch/internal/metrics"
	"github.com/JakeFAU/catalog-watch/internal/orchestrator"
	"github.com/JakeFAU/catalog-watch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/catalog-watch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/catalog-watch/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-watch/internal/registry"
	"github.com/JakeFAU/catalog-watch/internal/report"
	"github.com/JakeFAU/catalog-watch/internal/scheduler"
	gcsstorage "github.com/JakeFAU/catalog-watch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-watch/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-watch/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-watch/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/catalog-watch/internal/storage/sqlite"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	gateway   crawler.Gateway
	blobs     crawler.BlobStore
	gcsBlobs  *gcsstorage.BlobStore
	publisher crawler.Publisher
	pubsub    *gcppublisher.Publisher
	fetcher   *bounded.Fetcher
	detector  *change.Detector

	// runCtx outlives individual requests; canceling it stops every run.
	runCtx    context.Context
	cancelRun context.CancelFunc
	dispatch  *dispatcher.Dispatcher
	sched     *scheduler.Scheduler
	apiServer *api.Server
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	a.runCtx, a.cancelRun = context.WithCancel(context.Background())

	if err := a.build(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")
	if err := a.setupGateway(ctx); err != nil {
		return err
	}
	if err := a.setupArchive(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	a.setupFetcher()

	var err error
	a.detector, err = change.New(change.Config{
		Gateway:   a.gateway,
		Hasher:    sha256.New(),
		Clock:     a.clock,
		IDs:       uuid.New(),
		Publisher: a.publisher,
		Topic:     a.cfg.Publish.Topic,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("change detector init failed: %w", err)
	}

	a.dispatch = dispatcher.New(a.runCtx, a.newRunner, registry.New(), a.gateway, a.logger)

	if a.cfg.Scheduler.Enabled {
		loc, err := a.cfg.SchedulerLocation()
		if err != nil {
			return err
		}
		a.sched, err = scheduler.New(scheduler.Config{
			RunTime:  a.cfg.Scheduler.RunTime,
			Interval: a.cfg.SchedulerInterval(),
			Location: loc,
			Sources:  a.cfg.Scheduler.Sources,
		}, a.dispatch, a.logger)
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	var keys []string
	if a.cfg.Auth.Enabled {
		keys = a.cfg.Auth.APIKeys
	}
	a.apiServer = api.NewServer(
		a.dispatch,
		a.gateway,
		report.New(a.gateway, a.clock),
		api.Options{
			APIKeys:         keys,
			RequestsPerHour: a.cfg.Auth.RequestsPerHour,
			RequestTimeout:  a.cfg.Server.RequestTimeout,
		},
		a.logger,
	)
	return nil
}

func (a *App) setupGateway(ctx context.Context) error {
	var (
		gateway crawler.Gateway
		err     error
	)
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		a.logger.Info("using postgres gateway")
		var pg *pgstore.Gateway
		pg, err = pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Storage.DSN,
			MaxConns:        a.cfg.Storage.MaxConns,
			MinConns:        a.cfg.Storage.MinConns,
			MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
		})
		gateway = pg
	case config.DriverSQLite:
		a.logger.Info("using sqlite gateway", zap.String("path", a.cfg.Storage.DSN))
		var lite *sqlitestore.Gateway
		lite, err = sqlitestore.Open(a.cfg.Storage.DSN)
		gateway = lite
	default:
		a.logger.Info("using in-memory gateway")
		gateway = memorystorage.NewGateway()
	}
	if err != nil {
		return fmt.Errorf("gateway init failed: %w", err)
	}
	a.gateway = gateway
	if err := a.gateway.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	var err error
	switch a.cfg.Archive.Driver {
	case config.DriverGCS:
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		a.gcsBlobs, err = gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = a.gcsBlobs
	case config.DriverLocal:
		a.logger.Info("archiving raw pages locally", zap.String("path", a.cfg.Archive.BaseDir))
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.DriverMemory:
		a.logger.Info("archiving raw pages in memory")
		a.blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("raw page archival disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publish.Driver {
	case config.DriverPubSub:
		var err error
		a.pubsub, err = gcppublisher.Open(ctx, a.cfg.Publish.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = a.pubsub
		a.logger.Info("publishing change events to Pub/Sub",
			zap.String("project", a.cfg.Publish.ProjectID),
			zap.String("topic", a.cfg.Publish.Topic),
		)
	case config.DriverMemory:
		a.logger.Info("publishing change events in memory")
		a.publisher = memorypublisher.New()
	default:
		a.logger.Info("change event publishing disabled")
	}
	return nil
}

// setupFetcher builds the fetch stack shared by every run, so the
// concurrency ceiling and per-host pacing hold across sources.
func (a *App) setupFetcher() {
	fc := a.cfg.Fetch
	base := collyfetcher.New(collyfetcher.Config{
		UserAgent:     fc.UserAgent,
		RespectRobots: fc.RespectRobots,
		Timeout:       fc.Timeout,
	})
	var politeness bounded.Waiter
	if fc.RatePerHost > 0 {
		politeness = ratelimit.New(ratelimit.Config{DefaultRPS: fc.RatePerHost, DefaultBurst: fc.BurstPerHost})
	}
	a.fetcher = bounded.New(base, bounded.Config{
		Concurrency: fc.Concurrency,
		Retry:       crawler.NewExponentialRetryPolicy(a.cfg.RetryConfig()),
		Politeness:  politeness,
		Blocklist:   crawler.NewHostBlocklist(fc.BlockedHosts),
		Logger:      a.logger,
	})
	a.logger.Info("fetch stack ready",
		zap.String("user_agent", fc.UserAgent),
		zap.Int("concurrency", fc.Concurrency),
		zap.Int("max_retries", fc.MaxRetries),
		zap.Float64("rate_per_host", fc.RatePerHost),
		zap.Strings("blocked_hosts", fc.BlockedHosts),
	)
}

// newRunner is the dispatcher factory: one orchestrator per run.
func (a *App) newRunner(key string) (dispatcher.Runner, error) {
	src, err := a.cfg.Source(key)
	if err != nil {
		return nil, err
	}
	o, err := orchestrator.New(key, src, orchestrator.Deps{
		Fetcher:            a.fetcher,
		Extractor:          extractor.New(),
		Detector:           a.detector,
		Gateway:            a.gateway,
		Blobs:              a.blobs,
		Hasher:             sha256.New(),
		Clock:              a.clock,
		ArchivePrefix:      a.cfg.Archive.Prefix,
		ArchiveContentType: a.cfg.Archive.ContentType,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Dispatcher exposes the control surface.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Gateway exposes the persistence gateway.
func (a *App) Gateway() crawler.Gateway {
	return a.gateway
}

// Serve starts the scheduler and the HTTP server and blocks until ctx is
// canceled. Active runs are stopped at their next page boundary and awaited
// before Serve returns.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()
	if a.sched != nil {
		a.sched.Start()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.drain()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Crawl runs one source in the foreground and returns its summary. Canceling
// ctx stops the run at its next page boundary; items already in flight
// finish and are recorded. Close aborts the run outright.
func (a *App) Crawl(ctx context.Context, key string, resume bool) (orchestrator.Result, error) {
	runner, err := a.newRunner(key)
	if err != nil {
		return orchestrator.Result{}, err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.logger.Info("stop requested", zap.String("source", key))
			runner.Stop()
		case <-done:
		}
	}()
	return runner.Run(a.runCtx, resume)
}

func (a *App) drain() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.dispatch != nil {
		a.dispatch.StopAll()
		a.dispatch.Wait()
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Close stops background work and releases every client the App opened.
func (a *App) Close() error {
	a.drain()
	if a.cancelRun != nil {
		a.cancelRun()
	}

	var errs []error
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub: %w", err))
		}
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs: %w", err))
		}
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
