// Package app is the composition root: it builds the dependency graph from
// configuration and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapegate/internal/api"
	cachememory "github.com/JakeFAU/scrapegate/internal/cache/memory"
	cacheredis "github.com/JakeFAU/scrapegate/internal/cache/redis"
	"github.com/JakeFAU/scrapegate/internal/config"
	"github.com/JakeFAU/scrapegate/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/scrapegate/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scrapegate/internal/fetcher/headless"
	"github.com/JakeFAU/scrapegate/internal/headless/detector"
	"github.com/JakeFAU/scrapegate/internal/logging"
	"github.com/JakeFAU/scrapegate/internal/metrics"
	memorypublisher "github.com/JakeFAU/scrapegate/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrapegate/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/scrapegate/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/scrapegate/internal/queue/pubsub"
	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
	gcsstorage "github.com/JakeFAU/scrapegate/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrapegate/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrapegate/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrapegate/internal/storage/postgres"
	"github.com/JakeFAU/scrapegate/internal/telemetry"
	"github.com/JakeFAU/scrapegate/internal/worker"
)

const (
	serviceName     = "scrapegate"
	shutdownTimeout = 10 * time.Second
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Mode selects which halves of the service a process runs.
type Mode string

const (
	// ModeServe runs the API and the workers in one process.
	ModeServe Mode = "serve"
	// ModeAPI runs only the HTTP API; tasks are processed elsewhere.
	ModeAPI Mode = "api"
	// ModeWorker runs only the workers.
	ModeWorker Mode = "worker"
)

func (m Mode) runsAPI() bool     { return m == ModeServe || m == ModeAPI }
func (m Mode) runsWorkers() bool { return m == ModeServe || m == ModeWorker }

type queueBackend interface {
	scrape.Queue
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	mode   Mode
	logger *zap.Logger

	store     scrape.TaskStore
	queue     queueBackend
	publisher scrape.Publisher
	blobs     scrape.BlobStore
	cache     scrape.ResultCache
	engine    *resilience.Engine
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pgStore        *pgstore.TaskStore
	pubsubClient   *gpubsub.Client
	gcpPublisher   *gcppublisher.Publisher
	storageClient  *storage.Client
	redisClient    *goredis.Client
	headless       *headlessfetcher.Fetcher
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, mode Mode) (_ *App, err error) {
	switch mode {
	case ModeServe, ModeAPI, ModeWorker:
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{cfg: cfg, mode: mode, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger.Info("building application",
		zap.String("mode", string(mode)),
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("database", cfg.Database.Backend),
		zap.String("storage", cfg.Storage.Backend),
	)

	a.tracerProvider, err = telemetry.InitTracerProvider(ctx, serviceName, Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPubSubClient(ctx); err != nil {
		return nil, err
	}
	if err = a.setupQueue(); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(); err != nil {
		return nil, err
	}

	var runners []dispatcher.Runner
	if mode.runsWorkers() && cfg.Worker.Enabled {
		if err = a.setupEngine(); err != nil {
			return nil, err
		}
		if err = a.setupBlobs(ctx); err != nil {
			return nil, err
		}
		if err = a.setupCache(ctx); err != nil {
			return nil, err
		}
		runners, err = a.setupWorkers()
		if err != nil {
			return nil, err
		}
	}
	a.dispatch = dispatcher.New(a.queue, a.store, runners, logger.Named("dispatcher"),
		dispatcher.WithBlocklist(scrape.NewBlocklist(cfg.Fetcher.BlockedDomains)),
	)

	if mode.runsAPI() {
		if cfg.Queue.Backend == "memory" && len(runners) == 0 {
			a.logger.Warn("api accepts tasks into an in-memory queue with no workers attached")
		}
		a.apiServer = api.NewServer(a.dispatch, a.store, a.engine, cfg, logger.Named("api"))
	}
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Database.Backend != "postgres" {
		a.logger.Info("using in-memory task store")
		a.store = memorystorage.NewTaskStore()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		TasksTable:      a.cfg.Database.TasksTable,
		ResultsTable:    a.cfg.Database.ResultsTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres task store init failed: %w", err)
	}
	a.pgStore = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	a.store = store
	a.logger.Info("postgres task store initialized",
		zap.String("tasks_table", a.cfg.Database.TasksTable),
		zap.String("results_table", a.cfg.Database.ResultsTable),
	)
	return nil
}

func (a *App) setupPubSubClient(ctx context.Context) error {
	if a.cfg.Queue.Backend != "pubsub" && a.cfg.Publisher.Backend != "pubsub" {
		return nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("pubsub client initialized", zap.String("project", a.cfg.PubSub.ProjectID))
	return nil
}

func (a *App) setupQueue() error {
	if a.cfg.Queue.Backend != "pubsub" {
		a.queue = queuememory.NewQueue(a.cfg.Worker.QueueDepth)
		a.logger.Info("using in-memory task queue", zap.Int("depth", a.cfg.Worker.QueueDepth))
		return nil
	}
	q, err := queuepubsub.New(
		a.pubsubClient.Topic(a.cfg.PubSub.TaskTopic),
		a.pubsubClient.Subscription(a.cfg.PubSub.TaskSubscription),
		a.cfg.Worker.Concurrency,
		a.logger.Named("queue"),
	)
	if err != nil {
		return fmt.Errorf("pubsub queue init failed: %w", err)
	}
	a.queue = q
	a.logger.Info("using pubsub task queue",
		zap.String("topic", a.cfg.PubSub.TaskTopic),
		zap.String("subscription", a.cfg.PubSub.TaskSubscription),
	)
	return nil
}

func (a *App) setupPublisher() error {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		a.gcpPublisher = gcppublisher.New(a.pubsubClient)
		a.publisher = a.gcpPublisher
		a.logger.Info("pubsub publisher initialized", zap.String("topic", a.cfg.Publisher.Topic))
	case "none":
		a.publisher = memorypublisher.Discard{}
	default:
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	}
	return nil
}

func (a *App) setupEngine() error {
	rc, err := a.cfg.ResilienceConfig()
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	a.engine, err = resilience.New(rc,
		resilience.WithLogger(a.logger.Named("engine")),
		resilience.WithObserver(metrics.NewEngineObserver(a.cfg.Engine.MaxDomainLabels)),
	)
	if err != nil {
		return fmt.Errorf("engine init failed: %w", err)
	}
	a.logger.Info("execution engine ready",
		zap.Int("requests_per_minute", rc.Limiter.RequestsPerMinute),
		zap.Duration("min_interval", rc.Limiter.MinInterval),
		zap.Int("max_concurrent", rc.Limiter.MaxConcurrent),
		zap.Int("max_attempts", rc.Retry.MaxAttempts),
	)
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		a.blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Storage.LocalDir))
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory blob store")
	default:
		a.logger.Info("raw page storage disabled")
	}
	return nil
}

func (a *App) setupCache(ctx context.Context) error {
	switch a.cfg.Cache.Backend {
	case "redis":
		client, err := cacheredis.NewClient(ctx, cacheredis.Config{
			Address:  a.cfg.Cache.Redis.Address,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redisClient = client
		a.cache = cacheredis.New(client, a.cfg.Cache.KeyPrefix, a.cfg.Cache.TTL)
		a.logger.Info("using redis result cache",
			zap.String("address", a.cfg.Cache.Redis.Address),
			zap.Duration("ttl", a.cfg.Cache.TTL),
		)
	case "memory":
		a.cache = cachememory.New(a.cfg.Cache.TTL)
		a.logger.Info("using in-memory result cache", zap.Duration("ttl", a.cfg.Cache.TTL))
	default:
		a.logger.Info("result cache disabled")
	}
	return nil
}

func (a *App) setupWorkers() ([]dispatcher.Runner, error) {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetcher.UserAgent,
		RespectRobots: a.cfg.Fetcher.RespectRobots,
		Timeout:       a.cfg.Fetcher.Timeout,
	})
	deps := worker.Dependencies{
		Queue:     a.queue,
		Store:     a.store,
		Engine:    a.engine,
		Fetcher:   fetcher,
		Blobs:     a.blobs,
		Publisher: a.publisher,
		Cache:     a.cache,
	}
	if a.cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			SelectorTimeout:   a.cfg.Headless.SelectorTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
			ExecPath:          a.cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = headless
		deps.Headless = headless
		deps.Promoter = detector.NewHeuristic(a.cfg.Headless.PromotionThresh)
		a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	workerCfg := worker.Config{
		ContentType: a.cfg.Worker.ContentType,
		BlobPrefix:  a.cfg.Worker.BlobPrefix,
	}
	if a.cfg.Publisher.Backend != "none" {
		workerCfg.ResultTopic = a.cfg.Publisher.Topic
	}

	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		w, err := worker.New(deps, workerCfg, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
		runners = append(runners, w)
	}
	a.logger.Info("workers configured",
		zap.Int("concurrency", len(runners)),
		zap.String("result_topic", workerCfg.ResultTopic),
	)
	return runners, nil
}

// Engine returns the execution engine, or nil when this process runs no workers.
func (a *App) Engine() *resilience.Engine {
	return a.engine
}

// Handler returns the API handler, or nil when this process serves no API.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run listens on the configured port and blocks until ctx is canceled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	var ln net.Listener
	if a.apiServer != nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	return a.RunListener(ctx, ln)
}

// RunListener is Run on a caller-provided listener. ln is ignored when the
// process serves no API.
func (a *App) RunListener(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.apiServer != nil && ln != nil {
		srv := &http.Server{
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		return a.dispatch.Run(ctx)
	})

	if a.engine != nil && a.cfg.Worker.StatsInterval > 0 {
		g.Go(func() error {
			a.logStats(ctx, a.cfg.Worker.StatsInterval)
			return nil
		})
	}

	a.logger.Info("application started", zap.String("mode", string(a.mode)))
	err := g.Wait()
	a.logger.Info("shutdown initiated", zap.Error(err))
	if a.engine != nil {
		a.logSnapshot("final engine stats")
	}
	return err
}

func (a *App) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logSnapshot("engine stats")
		}
	}
}

func (a *App) logSnapshot(msg string) {
	s := a.engine.Snapshot()
	a.logger.Info(msg,
		zap.Int64("total", s.TotalRequests),
		zap.Int64("successful", s.SuccessfulRequests),
		zap.Int64("failed", s.FailedRequests),
		zap.Int64("rate_limited", s.RateLimitedRequests),
		zap.Float64("success_rate", s.SuccessRate),
		zap.Duration("average_wait", s.AverageWaitTime),
		zap.Float64("requests_per_minute", s.RequestsPerMinute),
	)
}

// Close releases queues, pools, clients and the tracer. It is safe to call on
// a partially built App.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		if err := a.gcpPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
