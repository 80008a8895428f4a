// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/api"
	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/clock/system"
	"github.com/JakeFAU/instrument-catalog/internal/config"
	"github.com/JakeFAU/instrument-catalog/internal/dedup"
	"github.com/JakeFAU/instrument-catalog/internal/engine"
	collyfetcher "github.com/JakeFAU/instrument-catalog/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/instrument-catalog/internal/fetcher/headless"
	"github.com/JakeFAU/instrument-catalog/internal/fetcher/htmlcatalog"
	"github.com/JakeFAU/instrument-catalog/internal/fetcher/jsonapi"
	"github.com/JakeFAU/instrument-catalog/internal/hash/sha256"
	"github.com/JakeFAU/instrument-catalog/internal/id/uuid"
	"github.com/JakeFAU/instrument-catalog/internal/logging"
	"github.com/JakeFAU/instrument-catalog/internal/parser/mapping"
	"github.com/JakeFAU/instrument-catalog/internal/progress"
	progresssinks "github.com/JakeFAU/instrument-catalog/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/instrument-catalog/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/instrument-catalog/internal/publisher/pubsub"
	"github.com/JakeFAU/instrument-catalog/internal/ratelimit"
	"github.com/JakeFAU/instrument-catalog/internal/reconcile"
	gcsstorage "github.com/JakeFAU/instrument-catalog/internal/storage/gcs"
	localstorage "github.com/JakeFAU/instrument-catalog/internal/storage/local"
	memorystorage "github.com/JakeFAU/instrument-catalog/internal/storage/memory"
	pgstore "github.com/JakeFAU/instrument-catalog/internal/storage/postgres"
	"github.com/JakeFAU/instrument-catalog/internal/storage/sqlite"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

const defaultShutdownGrace = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	engine          *engine.Engine
	store           catalog.Store
	progressHub     *progress.Hub
	renderer        *headlessfetcher.Renderer
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort int      `json:"server_port"`
		Driver     string   `json:"database_driver"`
		Storage    string   `json:"storage_backend"`
		Sources    []string `json:"sources"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Driver:     cfg.Database.Driver,
		Storage:    cfg.Storage.Backend,
		Sources:    sourceNames(cfg),
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Engine exposes the run engine for in-process callers such as the CLI.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves HTTP and blocks until the context is canceled or a signal
// arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close pauses live runs, then releases infrastructure and telemetry.
func (a *App) Close(ctx context.Context) error {
	var engineErr error
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown incomplete", zap.Error(err))
			engineErr = err
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return engineErr
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("catalog store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) shutdownGrace() time.Duration {
	if a.cfg.Engine.ShutdownGraceMs <= 0 {
		return defaultShutdownGrace
	}
	return time.Duration(a.cfg.Engine.ShutdownGraceMs) * time.Millisecond
}

// ready reports whether the catalog store answers queries.
func (a *App) ready(ctx context.Context) error {
	if _, err := a.store.ListRuns(ctx, nil, 1, 0); err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Application.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")
	if err := app.wire(ctx, prometheus.DefaultRegisterer); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

// wire builds everything below telemetry. reg receives the progress
// collectors.
func (a *App) wire(ctx context.Context, reg prometheus.Registerer) error {
	var err error
	a.store, err = setupStore(ctx, a)
	if err != nil {
		return err
	}

	blobStore, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}

	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}

	emitter, err := setupProgress(ctx, a, publisher, reg)
	if err != nil {
		return err
	}

	a.engine, err = setupEngine(a, blobStore, emitter)
	if err != nil {
		return err
	}

	var events api.EventSource
	if a.progressHub != nil {
		events = a.progressHub
	}
	a.apiServer = api.NewServer(a.engine, events, a.ready, *a.cfg, a.logger.Named("api"))
	return nil
}

func setupStore(ctx context.Context, app *App) (catalog.Store, error) {
	switch app.cfg.Database.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             app.cfg.Database.DSN,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if app.cfg.Database.Migrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		app.logger.Info("using postgres catalog store")
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, app.cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite catalog store", zap.String("path", app.cfg.Database.DSN))
		return store, nil
	default:
		app.logger.Warn("using in-memory catalog store; runs will not survive a restart")
		return memorystorage.NewStore(), nil
	}
}

func setupStorage(ctx context.Context, app *App) (catalog.BlobStore, error) {
	var blobStore catalog.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(app.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (catalog.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	publisher catalog.Publisher,
	reg prometheus.Registerer,
) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if publisher != nil {
		pubSink, err := progresssinks.NewPublisherSink(publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publisher"))
		if err != nil {
			return nil, fmt.Errorf("publisher progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(
			sinkList,
			progresssinks.NewLogSink(app.logger.Named("progress_log")),
		)
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupEngine(app *App, blobStore catalog.BlobStore, emitter progress.Emitter) (*engine.Engine, error) {
	clock := system.New()
	limiter := setupLimiter(app.cfg)

	client := collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.HTTP.UserAgent,
		RespectRobots: true,
		Timeout:       app.cfg.RequestTimeout(),
	})
	app.logger.Info("using colly client", zap.String("user_agent", app.cfg.HTTP.UserAgent))

	if app.cfg.Headless.Enabled {
		var err error
		app.renderer, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       app.cfg.Headless.MaxParallel,
			UserAgent:         app.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(app.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		app.logger.Info("using headless renderer", zap.Int("max_parallel", app.cfg.Headless.MaxParallel))
	}

	sources, err := buildSources(app.cfg, client, app.renderer, limiter, clock, app.logger)
	if err != nil {
		return nil, err
	}

	deduper, err := dedup.New(app.store, dedup.Config{
		Kinds:  app.cfg.EntityKinds(),
		Clock:  clock,
		Logger: app.logger.Named("dedup"),
	})
	if err != nil {
		return nil, fmt.Errorf("deduplicator init failed: %w", err)
	}
	reconciler, err := reconcile.New(app.store, reconcile.Config{
		SourcePriority: app.cfg.Engine.SourcePriority,
		Clock:          clock,
		Logger:         app.logger.Named("reconcile"),
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler init failed: %w", err)
	}

	engineCfg := engine.Config{
		Workers:         app.cfg.Engine.Workers,
		QueueDepth:      app.cfg.Engine.QueueDepth,
		CheckpointEvery: app.cfg.Engine.CheckpointEvery,
		DefaultCap:      app.cfg.Engine.DefaultCap,
		DefaultMaxDepth: engine.Depth(app.cfg.Engine.DefaultMaxDepth),
		Policy:          catalog.NewFixedRetryPolicy(app.cfg.Engine.MaxAttempts, app.cfg.RetryDelay()),
		ArchiveRaw:      app.cfg.Engine.ArchiveRaw,
		ArchivePrefix:   app.cfg.Storage.Prefix,
		Clock:           clock,
		IDs:             uuid.NewUUIDGenerator(),
		Emitter:         emitter,
		Logger:          app.logger.Named("engine"),
	}
	app.logger.Info("engine config",
		zap.Int("workers", engineCfg.Workers),
		zap.Int("queue_depth", engineCfg.QueueDepth),
		zap.Int("checkpoint_every", engineCfg.CheckpointEvery),
		zap.Int("max_attempts", app.cfg.Engine.MaxAttempts),
		zap.Duration("retry_delay", app.cfg.RetryDelay()),
		zap.Bool("archive_raw", engineCfg.ArchiveRaw),
	)
	return engine.New(engine.Deps{
		Store:      app.store,
		Sources:    sources,
		Limiter:    limiter,
		Dedup:      deduper,
		Reconciler: reconciler,
		Blobs:      blobStore,
		Hasher:     sha256.New(),
	}, engineCfg)
}

func setupLimiter(cfg *config.Config) *ratelimit.Limiter {
	intervals := make(map[string]time.Duration, len(cfg.Sources))
	for name := range cfg.Sources {
		intervals[name] = cfg.SourceInterval(name)
	}
	return ratelimit.New(ratelimit.Config{
		DefaultInterval: time.Duration(cfg.RateLimit.DefaultIntervalMs) * time.Millisecond,
		Intervals:       intervals,
	})
}

// buildSources turns every configured source into an engine.Source. Sources
// are built in name order so failures are reported deterministically.
func buildSources(
	cfg *config.Config,
	client *collyfetcher.Client,
	renderer *headlessfetcher.Renderer,
	limiter catalog.Limiter,
	clock catalog.Clock,
	logger *zap.Logger,
) ([]engine.Source, error) {
	out := make([]engine.Source, 0, len(cfg.Sources))
	for _, name := range sourceNames(cfg) {
		sc := cfg.Sources[name]
		fetcher, err := buildFetcher(name, sc, client, renderer, limiter, clock, logger.Named("fetcher").With(zap.String("source", name)))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		parser, err := mapping.New(name, mapping.Rules{
			KeyPath:          sc.Mapping.KeyPath,
			Confidence:       sc.Mapping.Confidence,
			Fields:           sc.Mapping.Fields,
			UnderlyingsPath:  sc.Mapping.UnderlyingsPath,
			UnderlyingFields: sc.Mapping.UnderlyingFields,
			FieldConfidence:  sc.Mapping.FieldConfidence,
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		out = append(out, engine.Source{
			Name:     name,
			Fetcher:  fetcher,
			Parser:   parser,
			Cap:      sc.Cap,
			MaxDepth: sc.MaxDepth,
			Alphabet: sc.Alphabet,
		})
	}
	return out, nil
}

func buildFetcher(
	name string,
	sc config.SourceConfig,
	client *collyfetcher.Client,
	renderer *headlessfetcher.Renderer,
	limiter catalog.Limiter,
	clock catalog.Clock,
	logger *zap.Logger,
) (catalog.SourceFetcher, error) {
	switch sc.Kind {
	case config.SourceKindJSONAPI:
		return jsonapi.New(jsonapi.Config{
			Source:       name,
			Endpoint:     sc.JSONAPI.Endpoint,
			Method:       sc.JSONAPI.Method,
			BearerToken:  sc.JSONAPI.BearerToken,
			Headers:      sc.JSONAPI.Headers,
			BodyTemplate: sc.JSONAPI.BodyTemplate,
			PageSize:     sc.JSONAPI.PageSize,
			PrefixPath:   sc.JSONAPI.PrefixPath,
			OffsetPath:   sc.JSONAPI.OffsetPath,
			PageSizePath: sc.JSONAPI.PageSizePath,
			ItemsPath:    sc.JSONAPI.ItemsPath,
			TotalPath:    sc.JSONAPI.TotalPath,
			KeyPath:      sc.JSONAPI.KeyPath,
		}, client, limiter, clock, logger)
	case config.SourceKindHTML:
		var r htmlcatalog.Renderer
		if renderer != nil {
			r = renderer
		}
		return htmlcatalog.New(htmlcatalog.Config{
			Source:        name,
			URLTemplate:   sc.HTML.URLTemplate,
			RowSelector:   sc.HTML.RowSelector,
			KeyField:      sc.HTML.KeyField,
			Fields:        sc.HTML.Fields,
			CountSelector: sc.HTML.CountSelector,
			Render:        sc.HTML.Render,
		}, client, r, clock, logger)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", sc.Kind)
	}
}

func sourceNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
