// Package server assembles the crawl API service from configuration and
// runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/api"
	"github.com/hajimari-inc/compass-crawl-api/internal/clock/system"
	"github.com/hajimari-inc/compass-crawl-api/internal/config"
	"github.com/hajimari-inc/compass-crawl-api/internal/coordinator"
	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/dispatcher"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
	"github.com/hajimari-inc/compass-crawl-api/internal/events/sinks"
	"github.com/hajimari-inc/compass-crawl-api/internal/frontier"
	"github.com/hajimari-inc/compass-crawl-api/internal/hash/sha256"
	"github.com/hajimari-inc/compass-crawl-api/internal/id/uuid"
	"github.com/hajimari-inc/compass-crawl-api/internal/logging"
	"github.com/hajimari-inc/compass-crawl-api/internal/mail"
	"github.com/hajimari-inc/compass-crawl-api/internal/metrics"
	"github.com/hajimari-inc/compass-crawl-api/internal/providers"
	memorypublisher "github.com/hajimari-inc/compass-crawl-api/internal/publisher/memory"
	nooppublisher "github.com/hajimari-inc/compass-crawl-api/internal/publisher/noop"
	gcppublisher "github.com/hajimari-inc/compass-crawl-api/internal/publisher/pubsub"
	queueMemory "github.com/hajimari-inc/compass-crawl-api/internal/queue/memory"
	gcsstorage "github.com/hajimari-inc/compass-crawl-api/internal/storage/gcs"
	localstorage "github.com/hajimari-inc/compass-crawl-api/internal/storage/local"
	memoryStorage "github.com/hajimari-inc/compass-crawl-api/internal/storage/memory"
	pgstore "github.com/hajimari-inc/compass-crawl-api/internal/storage/postgres"
	"github.com/hajimari-inc/compass-crawl-api/internal/transform"
	"github.com/hajimari-inc/compass-crawl-api/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	coord     *coordinator.Coordinator
	hub       *events.Hub
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher

	store      crawl.RecordStore
	gcsArchive *gcsstorage.BlobStore
	pubsubPub  *gcppublisher.Publisher
	reporter   *mail.Mandrill
}

// NewApp creates a new App shell with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	// Log only non-sensitive config fields.
	type sanitizedConfig struct {
		ServerPort      int    `json:"server_port"`
		StoreProvider   string `json:"store_provider"`
		ArchiveProvider string `json:"archive_provider"`
		PubSubProvider  string `json:"pubsub_provider"`
		WorkerEnabled   bool   `json:"worker_enabled"`
	}
	safeCfg := sanitizedConfig{
		ServerPort:      cfg.Server.Port,
		StoreProvider:   cfg.Store.Provider,
		ArchiveProvider: cfg.Archive.Provider,
		PubSubProvider:  cfg.PubSub.Provider,
		WorkerEnabled:   cfg.Worker.Enabled,
	}
	logger.Info("creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.dispatch != nil {
		go func() {
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}()
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	return nil
}

// closeInfrastructure tears down external connections. The hub closes
// first so queued events still reach the publisher and mail sinks.
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPub != nil {
		if err := a.pubsubPub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsArchive != nil {
		if err := a.gcsArchive.Close(); err != nil {
			a.logger.Warn("gcs archive close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	app.logger.Info("building application dependencies")

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	store, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}

	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	reporter, err := setupReporter(ctx, app)
	if err != nil {
		return nil, err
	}

	emitter := setupEvents(ctx, app, publisher, reporter)

	if err := setupCoordinator(app, store, archive, emitter); err != nil {
		return nil, err
	}

	if err := setupWorkers(app); err != nil {
		return nil, err
	}

	apiCfg := api.Config{
		Coordinator:    app.coord,
		Store:          store,
		Events:         emitter,
		Clock:          system.New(),
		Logger:         logger.Named("api"),
		RequestTimeout: cfg.Server.RequestTimeout(),
	}
	if reporter != nil {
		apiCfg.Reporter = reporter
	}
	if cfg.Metrics.Enabled {
		apiCfg.Metrics = metrics.Handler()
		apiCfg.MetricsMiddleware = metrics.Middleware
	}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	app.apiServer, err = api.NewServer(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}

	return app, nil
}

func setupStore(ctx context.Context, app *App) (crawl.RecordStore, error) {
	switch app.cfg.Store.Provider {
	case "postgres":
		tables, err := app.cfg.Store.TableMap()
		if err != nil {
			return nil, err
		}
		store, err := pgstore.NewRecordStore(ctx, pgstore.Config{
			DSN:             app.cfg.Store.Postgres.DSN,
			Tables:          tables,
			MaxConns:        int32(app.cfg.Store.Postgres.MaxConns),
			MinConns:        int32(app.cfg.Store.Postgres.MinConns),
			MaxConnLifetime: app.cfg.Store.Postgres.ConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres record store init failed: %w", err)
		}
		app.logger.Info("postgres record store initialized", zap.Int("platforms", len(tables)))
		app.store = store
		return store, nil
	default:
		app.logger.Warn("using in-memory record store, records will not survive a restart")
		store := memoryStorage.NewRecordStore()
		app.store = store
		return store, nil
	}
}

func setupArchive(ctx context.Context, app *App) (crawl.BlobStore, error) {
	switch app.cfg.Archive.Provider {
	case "gcs":
		store, err := gcsstorage.New(ctx, gcsstorage.Config{
			Bucket: app.cfg.Archive.GCSBucket,
			Prefix: app.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.gcsArchive = store
		app.logger.Info("gcs archive initialized", zap.String("bucket", app.cfg.Archive.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Info("local archive initialized", zap.String("dir", app.cfg.Archive.LocalDir))
		return store, nil
	case "memory":
		app.logger.Info("in-memory archive initialized")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("raw payload archival disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawl.Publisher, error) {
	switch app.cfg.PubSub.Provider {
	case "pubsub":
		pub, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubsubPub = pub
		if err := pub.Verify(ctx, app.cfg.PubSub.Topic); err != nil {
			return nil, err
		}
		app.logger.Info("pubsub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("using in-memory event publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("event publishing disabled")
		return nooppublisher.New(), nil
	}
}

func setupReporter(ctx context.Context, app *App) (*mail.Mandrill, error) {
	if !app.cfg.Mail.Enabled {
		app.logger.Info("error report mail disabled")
		return nil, nil
	}
	reporter, err := mail.NewMandrill(mail.Config{
		APIKey:     app.cfg.Mail.APIKey,
		FromEmail:  app.cfg.Mail.FromEmail,
		FromName:   app.cfg.Mail.FromName,
		Recipients: app.cfg.Mail.Recipients,
	}, app.logger.Named("mail"))
	if err != nil {
		return nil, fmt.Errorf("mandrill reporter init failed: %w", err)
	}
	if err := reporter.Ping(ctx); err != nil {
		app.logger.Warn("mandrill ping failed", zap.Error(err))
	}
	app.reporter = reporter
	app.logger.Info("mandrill reporter initialized", zap.Int("recipients", len(app.cfg.Mail.Recipients)))
	return reporter, nil
}

func setupEvents(ctx context.Context, app *App, publisher crawl.Publisher, reporter *mail.Mandrill) events.Emitter {
	sinkList := []events.Sink{
		sinks.NewLogSink(app.logger.Named("events_log")),
	}
	if app.cfg.Metrics.Enabled {
		promSink, err := sinks.NewPrometheusSink(nil)
		if err != nil {
			app.logger.Warn("prometheus sink init failed", zap.Error(err))
		} else {
			sinkList = append(sinkList, promSink)
		}
	}
	if app.cfg.PubSub.Provider != "noop" {
		sinkList = append(sinkList, sinks.NewPublisherSink(publisher, app.cfg.PubSub.Topic, app.logger.Named("events_publish")))
	}
	if reporter != nil {
		sinkList = append(sinkList, sinks.NewReportSink(reporter, app.logger.Named("events_mail")))
	}

	hubCfg := events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Events.MaxBatchWait(),
		SinkTimeout:    app.cfg.Events.SinkTimeout(),
		BaseContext:    ctx,
		Logger:         app.logger.Named("events_hub"),
	}
	app.hub = events.NewHub(hubCfg, sinkList...)
	app.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return app.hub
}

func setupCoordinator(app *App, store crawl.RecordStore, archive crawl.BlobStore, emitter events.Emitter) error {
	rules := crawl.DefaultRules()
	clk := system.New()
	ids := uuid.New()

	var searcher crawl.Searcher
	if app.cfg.Providers.SERP.Enabled {
		serp, err := providers.NewSERP(providers.SERPConfig{
			APIKey:   app.cfg.Providers.SERP.APIKey,
			Location: app.cfg.Providers.SERP.Location,
			Domain:   app.cfg.Providers.SERP.Domain,
			GL:       app.cfg.Providers.SERP.GL,
			HL:       app.cfg.Providers.SERP.HL,
			PageSize: app.cfg.Providers.SERP.PageSize,
			RPS:      app.cfg.Providers.SERP.RPS,
			Burst:    app.cfg.Providers.SERP.Burst,
		}, app.logger.Named("serp"))
		if err != nil {
			return fmt.Errorf("serp client init failed: %w", err)
		}
		searcher = serp
		app.logger.Info("serp search provider enabled")
	}

	var enricher crawl.Enricher
	if app.cfg.Providers.ProAPIs.Enabled {
		pro, err := providers.NewProAPIs(providers.ProAPIsConfig{
			APIKey: app.cfg.Providers.ProAPIs.APIKey,
			RPS:    app.cfg.Providers.ProAPIs.RPS,
			Burst:  app.cfg.Providers.ProAPIs.Burst,
		}, app.logger.Named("proapis"))
		if err != nil {
			return fmt.Errorf("proapis client init failed: %w", err)
		}
		enricher = pro
		app.logger.Info("proapis enrichment provider enabled")
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:             store,
		Rules:             rules,
		Normalizer:        transform.New(transform.Config{Rules: rules, Clock: clk, IDs: ids}),
		Frontier:          frontier.New(frontier.Config{MaxDepth: app.cfg.Crawl.MaxDepth, Rules: rules}),
		Archive:           archive,
		Searcher:          searcher,
		Enricher:          enricher,
		Events:            emitter,
		Hasher:            sha256.New(),
		Clock:             clk,
		IDs:               ids,
		Logger:            app.logger.Named("coordinator"),
		DefaultLeaseLimit: app.cfg.Crawl.DefaultLeaseLimit,
		MaxLeaseLimit:     app.cfg.Crawl.MaxLeaseLimit,
	})
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}
	app.coord = coord
	return nil
}

func setupWorkers(app *App) error {
	if !app.cfg.Worker.Enabled {
		app.logger.Info("keyword worker pool disabled")
		return nil
	}
	platforms, err := app.cfg.Worker.PlatformList()
	if err != nil {
		return err
	}

	app.queue = queueMemory.NewQueue(app.cfg.Worker.QueueSize)
	workerCfg := worker.Config{Owner: app.cfg.Worker.Owner}
	var workers []*worker.Worker
	for i := 0; i < app.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.coord,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	app.dispatch = dispatcher.New(app.coord, app.queue, workers, dispatcher.Config{
		Owner:        app.cfg.Worker.Owner,
		Platforms:    platforms,
		PollInterval: app.cfg.Worker.PollInterval(),
		LeaseLimit:   app.cfg.Worker.LeaseLimit,
		StaleAfter:   app.cfg.Worker.StaleAfter(),
	}, app.logger.Named("dispatcher"))
	app.logger.Info("keyword worker pool initialized",
		zap.Int("concurrency", app.cfg.Worker.Concurrency),
		zap.String("owner", app.cfg.Worker.Owner),
		zap.Duration("poll_interval", app.cfg.Worker.PollInterval()),
	)
	return nil
}
