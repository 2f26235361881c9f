// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/coordinator"
	"github.com/JakeFAU/harvester/internal/database"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	"github.com/JakeFAU/harvester/internal/fetcher/fallback"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/headless/detector"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/media"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/policy/robots"
	"github.com/JakeFAU/harvester/internal/progress"
	progresssinks "github.com/JakeFAU/harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/queue"
	queueMemory "github.com/JakeFAU/harvester/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/harvester/internal/queue/pubsub"
	"github.com/JakeFAU/harvester/internal/queue/rabbitmq"
	"github.com/JakeFAU/harvester/internal/scheduler"
	"github.com/JakeFAU/harvester/internal/stats"
	gcsstorage "github.com/JakeFAU/harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/harvester/internal/storage/postgres"
	s3storage "github.com/JakeFAU/harvester/internal/storage/s3"
	"github.com/JakeFAU/harvester/internal/store"
	"github.com/JakeFAU/harvester/internal/telemetry"
)

// Version is stamped into traces.
var Version = "dev"

// Roles selects which loops Run starts.
type Roles struct {
	API       bool
	Worker    bool
	Scheduler bool
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock
	ids    harvest.IDGenerator

	repo      store.Repository
	queue     queue.Queue
	media     *media.Store
	stats     stats.Aggregator
	statsDB   *stats.Postgres
	hub       *progress.Hub
	gcsClient *storage.Client
	headless  *headlessfetcher.Fetcher

	notifyClient *gpubsub.Client
	notifier     *pubsubpublisher.Publisher

	tracerShutdown func(context.Context) error
}

// NewApp creates an empty App for cfg. Build fills in the dependencies.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("media_backend", cfg.Media.Backend),
		zap.String("fetcher_backend", cfg.Fetcher.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	app := NewApp(cfg, logger)
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, "harvester", Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupQueue(ctx, app); err != nil {
		return nil, err
	}
	if err = setupMedia(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app, reg); err != nil {
		return nil, err
	}
	return app, nil
}

// OpenRepository connects only the repository, for one-shot commands.
// The in-memory repository is rejected since nothing would outlive the
// process.
func OpenRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, error) {
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	app := NewApp(cfg, logger)
	if err := setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if app.statsDB != nil {
		_ = app.statsDB.Close()
	}
	return app.repo, nil
}

// OpenQueue connects only the job queue, for one-shot commands.
func OpenQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Queue, error) {
	if cfg.Queue.Backend == config.BackendMemory {
		return nil, errors.New("queue.backend must be shared (rabbitmq or pubsub)")
	}
	app := NewApp(cfg, logger)
	if err := setupQueue(ctx, app); err != nil {
		return nil, err
	}
	return app.queue, nil
}

// Repository exposes the configured repository.
func (a *App) Repository() store.Repository { return a.repo }

// Queue exposes the configured job queue.
func (a *App) Queue() queue.Queue { return a.queue }

// Clock exposes the application clock.
func (a *App) Clock() harvest.Clock { return a.clock }

// IDs exposes the application ID generator.
func (a *App) IDs() harvest.IDGenerator { return a.ids }

// Run starts the selected roles and blocks until ctx is canceled or a role
// fails, then shuts everything down.
func (a *App) Run(ctx context.Context, roles Roles) error {
	if !roles.API && !roles.Worker && !roles.Scheduler {
		return errors.New("no roles selected")
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 3)
	started := 0
	start := func(name string, fn func(context.Context) error) {
		started++
		go func() {
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("role failed", zap.String("role", name), zap.Error(err))
				stop()
				errCh <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errCh <- nil
		}()
	}
	if roles.Worker {
		start("worker", a.Work)
	}
	if roles.Scheduler {
		start("scheduler", a.Schedule)
	}
	if roles.API {
		start("api", a.Serve)
	}

	var errs []error
	for range started {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.Close(shutdownCtx)
	return errors.Join(errs...)
}

// Serve runs the HTTP control plane until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	apiServer := api.NewServer(api.Dependencies{
		Repo:  a.repo,
		Queue: a.queue,
		Media: a.media,
		Stats: a.stats,
		IDs:   a.ids,
		Clock: a.clock,
	}, a.cfg, a.logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return ctx.Err()
}

// Work consumes sweeps until ctx is canceled or the queue closes.
func (a *App) Work(ctx context.Context) error {
	fetcher, err := setupFetcher(a)
	if err != nil {
		return err
	}
	coord := setupCoordinator(a, fetcher)
	cc := a.cfg.Coordinator
	dispatch := dispatcher.New(a.queue, coord, dispatcher.Config{
		Slots:          cc.Concurrency,
		BusyBackoff:    time.Duration(cc.BusyRequeueSeconds) * time.Second,
		BusyBackoffMax: time.Duration(cc.BusyRequeueMaxSeconds) * time.Second,
	}, a.logger.Named("dispatcher"))

	a.logger.Info("dispatcher started", zap.Int("slots", cc.Concurrency))
	if err := dispatch.Run(ctx); err != nil {
		a.logger.Error("dispatcher stopped while the worker was live", zap.Error(err))
		return err
	}
	a.logger.Info("dispatcher stopped")
	return ctx.Err()
}

// Schedule enqueues tail and backfill sweeps until ctx is canceled.
func (a *App) Schedule(ctx context.Context) error {
	sc := a.cfg.Scheduler
	if !sc.Enabled {
		a.logger.Info("scheduler disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	sched := scheduler.New(a.repo, a.queue, a.ids, a.clock, scheduler.Config{
		TailInterval:     time.Duration(sc.TailIntervalSeconds) * time.Second,
		BackfillInterval: time.Duration(sc.BackfillIntervalSeconds) * time.Second,
		BatchSize:        sc.BatchSize,
	}, a.logger.Named("scheduler"))
	return sched.Start(ctx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.notifyClient != nil {
		if err := a.notifyClient.Close(); err != nil {
			a.logger.Warn("notify client close failed", zap.Error(err))
		}
	}
	if a.statsDB != nil {
		if err := a.statsDB.Close(); err != nil {
			a.logger.Warn("stats close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		a.repo.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds > 0 {
		return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

func setupDatabase(ctx context.Context, app *App) error {
	statsTTL := time.Duration(app.cfg.Stats.CacheTTLSeconds) * time.Second
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN configured, using in-memory repositories")
		mem := memoryStorage.NewStore(app.ids, app.clock)
		app.repo = mem
		app.stats = stats.NewCached(stats.NewRepository(mem, app.clock), statsTTL)
		return nil
	}
	if app.cfg.DB.AutoMigrate {
		if err := database.Migrate(app.cfg.DB.DSN, database.Up, app.logger.Named("migrate")); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
	}
	pool, err := database.Connect(ctx, app.cfg.DB)
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	repo, err := pgstore.New(pool, app.ids)
	if err != nil {
		pool.Close()
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.repo = repo
	app.statsDB = stats.NewPostgresFromPool(pool, app.clock)
	app.stats = stats.NewCached(app.statsDB, statsTTL)
	app.logger.Info("postgres repository initialized", zap.Int32("max_conns", app.cfg.DB.MaxConns))
	return nil
}

func setupQueue(ctx context.Context, app *App) error {
	qc := app.cfg.Queue
	var err error
	switch qc.Backend {
	case config.BackendRabbitMQ:
		app.queue, err = rabbitmq.New(rabbitmq.Config{
			URL:          qc.RabbitMQ.URL,
			Exchange:     qc.RabbitMQ.Exchange,
			Queue:        qc.RabbitMQ.Queue,
			Prefetch:     qc.RabbitMQ.Prefetch,
			ReconnectMax: qc.RabbitMQ.ReconnectMax(),
		}, app.logger.Named("rabbitmq"))
		if err != nil {
			return fmt.Errorf("rabbitmq queue init failed: %w", err)
		}
		app.logger.Info("using rabbitmq queue", zap.String("queue", qc.RabbitMQ.Queue))
	case config.BackendPubSub:
		app.queue, err = pubsubqueue.Open(ctx, pubsubqueue.Config{
			ProjectID:       qc.PubSub.ProjectID,
			Topic:           qc.PubSub.Topic,
			Subscription:    qc.PubSub.Subscription,
			MaxOutstanding:  qc.PubSub.MaxOutstanding,
			DeadLetterTopic: qc.PubSub.DeadLetterTopic,
		}, app.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		app.logger.Info("using pubsub queue",
			zap.String("project", qc.PubSub.ProjectID),
			zap.String("subscription", qc.PubSub.Subscription),
		)
	default:
		if app.cfg.DB.DSN != "" {
			app.logger.Warn("in-memory queue with a shared database: sweeps are not shared between processes")
		}
		app.queue = queueMemory.NewQueue(qc.Depth)
		app.logger.Info("using in-memory queue", zap.Int("depth", qc.Depth))
	}
	return nil
}

func setupMedia(ctx context.Context, app *App) error {
	mc := app.cfg.Media
	var (
		blobs media.BlobStore
		err   error
	)
	switch mc.Backend {
	case config.BackendGCS:
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(app.gcsClient, gcsstorage.Config{
			Bucket:         mc.GCS.Bucket,
			SignerEmail:    mc.GCS.SignerEmail,
			PrivateKeyPath: mc.GCS.PrivateKeyPath,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS media backend", zap.String("bucket", mc.GCS.Bucket))
	case config.BackendS3:
		blobs, err = s3storage.New(ctx, s3storage.Config{
			Bucket:          mc.S3.Bucket,
			Region:          mc.S3.Region,
			Endpoint:        mc.S3.Endpoint,
			AccessKeyID:     mc.S3.AccessKeyID,
			SecretAccessKey: mc.S3.SecretAccessKey,
			UsePathStyle:    mc.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		app.logger.Info("using S3 media backend", zap.String("bucket", mc.S3.Bucket), zap.String("endpoint", mc.S3.Endpoint))
	case config.BackendLocal:
		blobs, err = localstorage.New(localstorage.Config{BaseDir: mc.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local media backend", zap.String("path", mc.LocalDir))
	default:
		blobs = memoryStorage.NewBlobStore()
		app.logger.Info("using in-memory media backend")
	}

	app.media, err = media.New(blobs, sha256.New(), media.Config{
		Prefix:         mc.Prefix,
		PresignTTL:     mc.PresignTTL(),
		CacheSize:      mc.PresignCacheSize,
		MaxObjectBytes: mc.MaxObjectBytes,
	}, app.logger.Named("media"))
	if err != nil {
		return fmt.Errorf("media store init failed: %w", err)
	}
	return nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	}
	if nc := app.cfg.Notify; nc.Topic != "" {
		app.notifyClient, err = gpubsub.NewClient(ctx, nc.ProjectID)
		if err != nil {
			return fmt.Errorf("notify pubsub client init failed: %w", err)
		}
		app.notifier = pubsubpublisher.New(app.notifyClient.Topic(nc.Topic))
		sinks = append(sinks, progresssinks.NewNotifySink(app.notifier, nc.Topic, app.logger.Named("progress_notify")))
		app.logger.Info("run notifications enabled", zap.String("topic", nc.Topic))
	}
	app.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}, sinks...)
	return nil
}

func setupFetcher(app *App) (harvest.Fetcher, error) {
	fc := app.cfg.Fetcher
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   fc.RateLimitRPS,
		DefaultBurst: fc.RateLimitBurst,
	})
	collyCfg := collyfetcher.Config{
		UserAgent:    fc.UserAgent,
		Timeout:      fc.Timeout(),
		MaxBodyBytes: fc.MaxBodyBytes,
		Transport:    limiter.Transport,
	}
	if fc.RespectRobots {
		collyCfg.Robots = robots.New(robots.Config{
			UserAgent: fc.UserAgent,
			Transport: limiter.Transport(http.DefaultTransport),
		}, app.logger.Named("robots"))
	}
	httpFetcher := collyfetcher.New(collyCfg)
	app.logger.Info("fetcher configured",
		zap.String("backend", fc.Backend),
		zap.String("user_agent", fc.UserAgent),
		zap.Float64("rate_limit_rps", fc.RateLimitRPS),
		zap.Bool("respect_robots", fc.RespectRobots),
	)
	if fc.Backend == config.BackendColly {
		return httpFetcher, nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       fc.Headless.MaxParallel,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: time.Duration(fc.Headless.NavTimeoutSec) * time.Second,
		FeedExpression:    fc.Headless.FeedExpression,
	}, httpFetcher)
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.headless = headless
	if fc.Backend == config.BackendHeadless {
		return headless, nil
	}
	return fallback.New(httpFetcher, headless, detector.NewHeuristic(0), app.logger.Named("fetcher")), nil
}

func setupCoordinator(app *App, fetcher harvest.Fetcher) *coordinator.Coordinator {
	cc := app.cfg.Coordinator
	app.logger.Info("coordinator config",
		zap.Int("tail_max_items", cc.TailMaxItems),
		zap.Int("backfill_max_items", cc.BackfillMaxItems),
		zap.Int("max_attempts", cc.MaxAttempts),
		zap.Float64("error_rate_threshold", cc.ErrorRateThreshold),
		zap.Int("failure_threshold", cc.FailureThreshold),
		zap.Duration("run_timeout", cc.RunTimeout()),
		zap.Duration("lease_ttl", cc.LeaseTTL()),
	)
	return coordinator.New(
		app.repo,
		fetcher,
		app.media,
		sha256.New(),
		app.clock,
		app.ids,
		harvest.NewRetryPolicy(cc.MaxAttempts, cc.BackoffBase(), cc.BackoffMax()),
		app.hub,
		coordinator.Config{
			TailMaxItems:        cc.TailMaxItems,
			BackfillMaxItems:    cc.BackfillMaxItems,
			ErrorRateThreshold:  cc.ErrorRateThreshold,
			ErrorRateMinSamples: cc.ErrorRateMinSamples,
			FailureThreshold:    cc.FailureThreshold,
			RunTimeout:          cc.RunTimeout(),
			LeaseTTL:            cc.LeaseTTL(),
		},
		app.logger.Named("coordinator"),
	)
}
