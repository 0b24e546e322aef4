// Package app builds the long-lived services of the engine from configuration
// and runs them. It acts as the dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitewatch/internal/api"
	"github.com/JakeFAU/sitewatch/internal/clock/system"
	"github.com/JakeFAU/sitewatch/internal/config"
	"github.com/JakeFAU/sitewatch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sitewatch/internal/fetcher/colly"
	"github.com/JakeFAU/sitewatch/internal/fetcher/headless"
	"github.com/JakeFAU/sitewatch/internal/id/uuid"
	"github.com/JakeFAU/sitewatch/internal/keywords"
	"github.com/JakeFAU/sitewatch/internal/monitor"
	"github.com/JakeFAU/sitewatch/internal/morph"
	pubsubpublisher "github.com/JakeFAU/sitewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/sitewatch/internal/queue/memory"
	"github.com/JakeFAU/sitewatch/internal/runner"
	"github.com/JakeFAU/sitewatch/internal/scheduler"
	"github.com/JakeFAU/sitewatch/internal/storage"
	"github.com/JakeFAU/sitewatch/internal/storage/gcs"
	"github.com/JakeFAU/sitewatch/internal/storage/local"
	memstore "github.com/JakeFAU/sitewatch/internal/storage/memory"
	"github.com/JakeFAU/sitewatch/internal/storage/postgres"
	"github.com/JakeFAU/sitewatch/internal/storage/s3"
)

// Registry is the resource registry plus its lifecycle hooks.
type Registry interface {
	monitor.Registry
	Ping(ctx context.Context) error
	Close()
}

// Options overrides collaborators that New would otherwise build from config.
type Options struct {
	Registry  Registry
	Store     monitor.BlobStore
	Fetcher   monitor.Fetcher
	Renderer  monitor.Renderer
	Publisher monitor.Publisher
	Clock     monitor.Clock
}

// App holds the shared, long-lived services.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Registry   Registry
	Store      monitor.BlobStore
	Publisher  monitor.Publisher
	Runner     *runner.Runner
	Scheduler  *scheduler.Scheduler
	Queue      *memory.Queue
	Dispatcher *dispatcher.Dispatcher
	Server     *api.Server

	closers []func() error
}

// New creates every service described by cfg. It fails fast when a store or
// database cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	clk := opts.Clock
	if clk == nil {
		clk = system.New()
	}
	ids := uuid.New()

	if err := a.initRegistry(ctx, opts, clk, ids); err != nil {
		return nil, err
	}
	if err := a.initStore(ctx, opts); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx, opts); err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Server.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		})
	}
	renderer, err := a.renderer(opts)
	if err != nil {
		return nil, err
	}

	analyzer, err := morph.New(cfg.Runner.Language)
	if err != nil {
		return nil, fmt.Errorf("init morphology: %w", err)
	}
	engine, err := keywords.NewEngine(analyzer)
	if err != nil {
		return nil, fmt.Errorf("init keyword engine: %w", err)
	}

	a.Runner, err = runner.New(runner.Deps{
		Registry:  a.Registry,
		Store:     a.Store,
		Fetcher:   fetcher,
		Renderer:  renderer,
		Keywords:  engine,
		Publisher: a.Publisher,
		Clock:     clk,
		IDs:       ids,
		Logger:    logger.Named("runner"),
	}, runner.Config{
		SnapshotRef: cfg.Runner.SnapshotRef,
		EventTopic:  cfg.Events.PubSubTopic,
		Timeout:     cfg.RunTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("init runner: %w", err)
	}

	a.Queue = memory.NewQueue(cfg.Server.QueueDepth)
	a.Scheduler = scheduler.New(a.Registry, a.Queue, clk, scheduler.Config{
		Reload: cfg.ReloadPeriod(),
	}, logger.Named("scheduler"))
	a.Dispatcher = dispatcher.NewPool(cfg.Server.WorkerPoolSize, a.Queue, a.Runner, a.Scheduler, logger.Named("worker"))
	a.Server = api.NewServer(api.Options{
		Checker: a.Runner,
		Readiness: map[string]api.ReadinessCheck{
			"registry": a.Registry.Ping,
			"store":    a.storeReady,
		},
		Logger:         logger.Named("api"),
		RequestTimeout: cfg.RunTimeout() + 10*time.Second,
	})

	ok = true
	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("language", cfg.Runner.Language),
		zap.Int("workers", a.Dispatcher.Size()),
	)
	return a, nil
}

func (a *App) initRegistry(ctx context.Context, opts Options, clk monitor.Clock, ids monitor.IDGenerator) error {
	if opts.Registry != nil {
		a.Registry = opts.Registry
		return nil
	}
	reg, err := postgres.NewRegistry(ctx, postgres.RegistryConfig{
		DSN:            a.cfg.PostgresDSN(),
		MaxConns:       a.cfg.Postgres.MaxConns,
		ResourcesTable: a.cfg.Postgres.ResourcesTable,
		EventsTable:    a.cfg.Postgres.EventsTable,
		InsertAttempts: a.cfg.Events.InsertAttempts,
		BackoffInitial: a.cfg.EventBackoff(),
	}, postgres.Options{Logger: a.logger.Named("registry"), Clock: clk, IDs: ids})
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	a.Registry = reg
	return nil
}

func (a *App) initStore(ctx context.Context, opts Options) error {
	if opts.Store != nil {
		a.Store = opts.Store
		return nil
	}
	switch a.cfg.Storage.Provider {
	case storage.ProviderS3:
		store, err := s3.New(s3.Config{
			Endpoint:  a.cfg.S3.Endpoint,
			AccessKey: a.cfg.S3.AccessKey,
			SecretKey: a.cfg.S3.SecretKey,
			Region:    a.cfg.S3.Region,
			UseSSL:    a.cfg.S3.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init s3 store: %w", err)
		}
		a.Store = store
	case storage.ProviderGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{ProjectID: a.cfg.GCS.ProjectID}, a.logger.Named("gcs"))
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Store = store
	case storage.ProviderLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.Store = store
	case storage.ProviderMemory:
		a.logger.Warn("using in-memory blob store, snapshots are lost on exit")
		a.Store = memstore.NewBlobStore()
	default:
		return fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, opts Options) error {
	if opts.Publisher != nil {
		a.Publisher = opts.Publisher
		return nil
	}
	if a.cfg.Events.PubSubTopic == "" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Events.PubSubProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, a.logger.Named("pubsub"))
	a.closers = append(a.closers, pub.Close)
	a.Publisher = pub
	a.logger.Info("publishing events to pubsub", zap.String("topic", a.cfg.Events.PubSubTopic))
	return nil
}

func (a *App) renderer(opts Options) (monitor.Renderer, error) {
	if opts.Renderer != nil {
		return opts.Renderer, nil
	}
	if !a.cfg.Headless.Enabled {
		a.logger.Info("headless renderer disabled, zone resources will fail to capture")
		return headless.NewNoop(), nil
	}
	settle := a.cfg.SettleDelay()
	if settle == 0 {
		settle = -1
	}
	r, err := headless.NewChromedp(headless.Config{
		MaxParallel:    a.cfg.Headless.MaxParallel,
		UserAgent:      a.cfg.Server.UserAgent,
		Timeout:        a.cfg.RenderTimeout(),
		SettleDelay:    settle,
		ViewportWidth:  a.cfg.Headless.ViewportWidth,
		ViewportHeight: a.cfg.Headless.ViewportHeight,
		MaxHeight:      a.cfg.Headless.MaxHeight,
		DomainQPS:      a.cfg.Headless.DomainQPS,
		NoSandbox:      a.cfg.Headless.NoSandbox,
		ExecPath:       a.cfg.Headless.ExecPath,
	}, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("init headless renderer: %w", err)
	}
	return r, nil
}

func (a *App) storeReady(ctx context.Context) error {
	for _, bucket := range storage.Buckets() {
		if _, err := a.Store.List(ctx, bucket); err != nil {
			return fmt.Errorf("list %s: %w", bucket, err)
		}
	}
	return nil
}

// Preflight verifies the registry and the snapshot buckets are reachable.
func (a *App) Preflight(ctx context.Context) error {
	if err := a.Registry.Ping(ctx); err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	if err := a.storeReady(ctx); err != nil {
		if errors.Is(err, monitor.ErrBucketNotFound) {
			return fmt.Errorf("%w (run init-buckets first)", err)
		}
		return fmt.Errorf("object store unreachable: %w", err)
	}
	return nil
}

// InitBuckets creates the snapshot buckets.
func (a *App) InitBuckets(ctx context.Context) error {
	return storage.EnsureBuckets(ctx, a.Store, a.logger, storage.Buckets()...)
}

// Run starts the scheduler, the worker pool and the HTTP endpoint, and blocks
// until ctx is canceled and in-flight checks have returned.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.Scheduler.Run(gctx)
		return nil
	})

	if port := a.cfg.Server.MetricsPort; port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           a.Server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("serving health and metrics", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown metrics server: %w", err)
			}
			return nil
		})
	}

	a.logger.Info("scheduler started")
	err := g.Wait()
	a.Queue.Close()
	a.logger.Info("scheduler stopped")
	return err
}

// Close releases every service. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	if a.Registry != nil {
		a.Registry.Close()
		a.Registry = nil
	}
	_ = a.logger.Sync()
}
