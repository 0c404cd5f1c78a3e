// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/api"
	"github.com/JakeFAU/event-scraper/internal/callback"
	"github.com/JakeFAU/event-scraper/internal/clock/system"
	"github.com/JakeFAU/event-scraper/internal/config"
	"github.com/JakeFAU/event-scraper/internal/fetcher"
	collyfetcher "github.com/JakeFAU/event-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/event-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/event-scraper/internal/hash/sha256"
	"github.com/JakeFAU/event-scraper/internal/headless/detector"
	"github.com/JakeFAU/event-scraper/internal/id/uuid"
	"github.com/JakeFAU/event-scraper/internal/orgs"
	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/policy/blocklist"
	"github.com/JakeFAU/event-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/event-scraper/internal/processor"
	memorypublisher "github.com/JakeFAU/event-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/event-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/event-scraper/internal/scraper"
	"github.com/JakeFAU/event-scraper/internal/storage"
	gcsstorage "github.com/JakeFAU/event-scraper/internal/storage/gcs"
	"github.com/JakeFAU/event-scraper/internal/storage/grist"
	memorystorage "github.com/JakeFAU/event-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/event-scraper/internal/storage/postgres"
	"github.com/JakeFAU/event-scraper/internal/tasks"
)

const (
	shutdownTimeout = 30 * time.Second
	// memoryPublisherLimit caps retained messages when Pub/Sub is not configured.
	memoryPublisherLimit = 1000
	// memoryOutcomeTopic labels outcomes kept by the in-memory publisher.
	memoryOutcomeTopic = "event-outcomes"
)

// Extraction is the synchronous half of the service: org profiles plus the
// fetch/process/extract pipeline. The CLI uses it without the HTTP server.
type Extraction struct {
	Resolver *orgs.Resolver
	Pipeline *pipeline.Pipeline

	browser *headlessfetcher.Fetcher
}

// NewExtraction loads org profiles and builds the pipeline. Org
// configuration errors abort startup.
func NewExtraction(cfg config.Config, logger *zap.Logger) (*Extraction, error) {
	resolver := orgs.NewResolver(orgs.Options{
		ConfigPath: cfg.Orgs.ConfigPath,
		Factory: orgs.NewExtractorFactory(orgs.FactoryOptions{
			MaxAttempts: cfg.Extractor.MaxAttempts,
			BaseDelay:   cfg.ExtractorBaseDelay(),
			Logger:      logger,
		}),
		Logger: logger.Named("orgs"),
	})
	if err := resolver.Load(); err != nil {
		return nil, fmt.Errorf("load org profiles: %w", err)
	}

	ext := &Extraction{Resolver: resolver}
	chain, err := ext.buildFetchChain(cfg, logger)
	if err != nil {
		return nil, err
	}
	proc := processor.New(processor.Options{
		MaxChars: cfg.Fetch.MaxContentChars,
		Logger:   logger.Named("processor"),
	})
	// Each caller binds its org's extractor with WithExtractor.
	ext.Pipeline = pipeline.New(chain, proc, nil, pipeline.Options{
		Logger: logger.Named("pipeline"),
		Clock:  system.New(),
	})
	return ext, nil
}

func (e *Extraction) buildFetchChain(cfg config.Config, logger *zap.Logger) (*fetcher.Chain, error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.HTTPTimeout(),
		Logger:        logger.Named("colly"),
	})
	logger.Info("using colly static fetcher",
		zap.String("user_agent", cfg.HTTP.UserAgent),
		zap.Bool("respect_robots", cfg.Fetch.RespectRobots))

	var browser scraper.Fetcher = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		chromedpFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			Settle:            cfg.Settle(),
			Screenshots:       cfg.Headless.Screenshot,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed, using static fetcher only", zap.Error(err))
		} else {
			e.browser = chromedpFetcher
			browser = chromedpFetcher
			logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	var limiter fetcher.Waiter
	if cfg.Fetch.PerHostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.PerHostRPS,
			DefaultBurst: cfg.Fetch.PerHostBurst,
		})
		logger.Info("per-host rate limiter enabled",
			zap.Float64("rps", cfg.Fetch.PerHostRPS),
			zap.Int("burst", cfg.Fetch.PerHostBurst))
	}

	opts := fetcher.Options{
		Limiter:  limiter,
		Detector: detector.NewHeuristic(0),
		Logger:   logger,
	}
	if blocked := blocklist.New(cfg.Fetch.BlockedDomains); blocked != nil {
		opts.Blocklist = blocked
		logger.Info("domain blocklist enabled", zap.Strings("patterns", cfg.Fetch.BlockedDomains))
	}
	chain, err := fetcher.NewChain(browser, static, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch chain init failed: %w", err)
	}
	return chain, nil
}

// Close releases the headless browser.
func (e *Extraction) Close() {
	if e.browser != nil {
		e.browser.Close()
	}
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	extraction *Extraction
	runner     *tasks.Runner
	apiServer  *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *gcsclient.Client
	eventStore      *pgstore.EventStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("orgs_config", cfg.Orgs.ConfigPath))

	var err error
	app.extraction, err = NewExtraction(cfg, logger)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()

	router, err := app.setupStorage(ctx, ids, clock)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	publisher, topic, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.runner, err = tasks.New(tasks.Deps{
		TaskStore: memorystorage.NewTaskStore(clock),
		Resolver:  app.extraction.Resolver,
		Pipeline:  app.extraction.Pipeline,
		Store:     router,
		Notifier: callback.New(callback.Options{
			Timeout:   cfg.CallbackTimeout(),
			UserAgent: cfg.HTTP.UserAgent,
			Logger:    logger.Named("callback"),
		}),
		Publisher: publisher,
		IDs:       ids,
		Clock:     clock,
	}, tasks.Options{
		Concurrency:    cfg.Tasks.Concurrency,
		QueueDepth:     cfg.Tasks.QueueDepth,
		EnqueueTimeout: cfg.EnqueueTimeout(),
		Topic:          topic,
		Logger:         logger.Named("tasks"),
	})
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("task runner init failed: %w", err)
	}
	logger.Info("task runner configured",
		zap.Int("concurrency", cfg.Tasks.Concurrency),
		zap.Int("queue_depth", cfg.Tasks.QueueDepth),
		zap.Duration("enqueue_timeout", cfg.EnqueueTimeout()))

	app.apiServer = api.NewServer(app.runner, app.extraction.Resolver, app.extraction.Pipeline, api.Options{
		Version:        version,
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger.Named("api"),
	})
	return app, nil
}

// Handler exposes the HTTP router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		a.logger.Info("task workers started")
		a.runner.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("task workers did not drain before shutdown deadline")
	}

	a.Close()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close gracefully shuts down the application.
func (a *App) Close() {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.extraction != nil {
		a.extraction.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.eventStore != nil {
		a.eventStore.Close()
	}
}

// setupStorage registers every backend an org profile may name. Backends
// needing per-org credentials (grist, postgres) are always available; gcs
// only when a bucket is configured.
func (a *App) setupStorage(ctx context.Context, ids scraper.IDGenerator, clock scraper.Clock) (*storage.Router, error) {
	router := storage.NewRouter(a.logger.Named("storage"))
	hasher := sha256.New()

	router.Register(scraper.BackendGrist, grist.New(grist.Options{
		HTTPClient: &http.Client{Timeout: a.cfg.HTTPTimeout()},
		Clock:      clock,
	}))

	var err error
	a.eventStore, err = pgstore.NewEventStore(pgstore.PoolConfig{
		MaxConns:        int32(a.cfg.DB.MaxConns), //nolint:gosec // bounded by config
		MinConns:        int32(a.cfg.DB.MinConns), //nolint:gosec // bounded by config
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMin) * time.Minute,
	}, ids, clock)
	if err != nil {
		return nil, fmt.Errorf("postgres event store init failed: %w", err)
	}
	router.Register(scraper.BackendPostgres, a.eventStore)

	memoryBackend, err := storage.NewBlobBackend(memorystorage.NewBlobStore(), hasher, clock, a.cfg.Storage.Prefix)
	if err != nil {
		return nil, fmt.Errorf("memory blob backend init failed: %w", err)
	}
	router.Register(scraper.BackendMemory, memoryBackend)

	if a.cfg.Storage.GCSBucket != "" {
		a.gcsClient, err = gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket:   a.cfg.Storage.GCSBucket,
			Metadata: map[string]string{"source": "event-scraper"},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		gcsBackend, err := storage.NewBlobBackend(blobs, hasher, clock, a.cfg.Storage.Prefix)
		if err != nil {
			return nil, fmt.Errorf("gcs blob backend init failed: %w", err)
		}
		router.Register(scraper.BackendGCS, gcsBackend)
		a.logger.Info("GCS storage backend enabled", zap.String("bucket", a.cfg.Storage.GCSBucket))
	}

	a.logger.Info("storage backends registered", zap.Strings("backends", router.Backends()))
	return router, nil
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, string, error) {
	if !a.cfg.PubSubEnabled() {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher",
			zap.String("topic", memoryOutcomeTopic))
		return memorypublisher.New(memoryPublisherLimit), memoryOutcomeTopic, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.Open(ctx, a.pubsubClient, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return a.pubsubPublisher, a.cfg.PubSub.TopicName, nil
}
