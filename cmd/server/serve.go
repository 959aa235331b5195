package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	tc "go.temporal.io/sdk/client"
	tworker "go.temporal.io/sdk/worker"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stanstork/garmin-sync/internal/config"
	"github.com/stanstork/garmin-sync/internal/handlers"
	"github.com/stanstork/garmin-sync/internal/ingest"
	"github.com/stanstork/garmin-sync/internal/logging"
	"github.com/stanstork/garmin-sync/internal/middleware"
	"github.com/stanstork/garmin-sync/internal/migration"
	"github.com/stanstork/garmin-sync/internal/notification"
	"github.com/stanstork/garmin-sync/internal/provider"
	"github.com/stanstork/garmin-sync/internal/repository"
	"github.com/stanstork/garmin-sync/internal/routes"
	"github.com/stanstork/garmin-sync/internal/sentry"
	"github.com/stanstork/garmin-sync/internal/syncjob"
	"github.com/stanstork/garmin-sync/internal/temporal"
	"github.com/stanstork/garmin-sync/internal/temporal/activities"
	"github.com/stanstork/garmin-sync/internal/temporal/workflows"
	"github.com/stanstork/garmin-sync/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	httpShutdownTimeout = 10 * time.Second
	runShutdownTimeout  = 30 * time.Second
)

type application struct {
	config        *config.Config
	db            *sql.DB
	logger        zerolog.Logger
	notifications notification.Service
	jobs          repository.SyncJobRepository
	links         repository.ProviderLinkRepository
	guard         *syncjob.Guard
	orchestrator  *syncjob.Orchestrator

	// exactly one of these is set, per sync.runner
	supervisor     *syncjob.Supervisor
	temporalClient tc.Client
	temporalWorker tworker.Worker
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := logging.New(cfg.Log)

	if err := sentry.Init(sentry.Config{DSN: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment, Release: cfg.Sentry.Release}, logger); err != nil {
		logger.Error().Err(err).Msg("Failed to initialize Sentry")
	}
	defer sentry.Flush(2 * time.Second)

	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to the database")
		return err
	}
	defer db.Close()

	if err := migration.RunMigrations(db, logger); err != nil {
		logger.Error().Err(err).Msg("Failed to run migrations")
		return err
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize gorm")
		return err
	}

	app := &application{
		config:        cfg,
		db:            db,
		logger:        logger,
		notifications: notification.NewService(repository.NewNotificationRepository(db), logger, notification.NewLogNotifier(logger)),
		jobs:          repository.NewSyncJobRepository(db),
		links:         repository.NewProviderLinkRepository(db),
		guard:         syncjob.NewGuard(),
	}
	app.orchestrator = syncjob.NewOrchestrator(syncjob.Deps{
		Jobs:     app.jobs,
		Links:    app.links,
		Probe:    ingest.NewProbe(gdb),
		Client:   provider.NewClient(provider.Config{BaseURL: cfg.Provider.BaseURL, Timeout: cfg.Provider.Timeout}, logger),
		Sink:     ingest.NewSink(gdb, logger),
		Notifier: app.notifications,
		Guard:    app.guard,
	}, syncjob.Options{
		ChunkSizeDays:   cfg.Sync.ChunkSizeDays,
		InterChunkDelay: cfg.Sync.InterChunkDelay,
	}, logger)

	runner, err := app.startRunner()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := worker.NewSweeper(app.jobs, app.guard, worker.SweeperConfig{
		StaleAfter: cfg.Sync.StaleAfter,
		Interval:   cfg.Sync.SweepInterval,
	}, logger)
	go func() {
		if err := sweeper.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Stale job sweeper exited")
		}
	}()

	service := syncjob.NewService(app.jobs, app.links, runner, app.guard, syncjob.ServiceConfig{
		Provider:                cfg.Provider.Name,
		ChunkSizeDays:           cfg.Sync.ChunkSizeDays,
		IncrementalFallbackDays: cfg.Sync.IncrementalFallbackDays,
		FutureBufferDays:        cfg.Sync.FutureBufferDays,
		MaxRangeDays:            cfg.Sync.MaxRangeDays,
		MinutesPerChunk:         cfg.Sync.MinutesPerChunk,
	}, logger)

	router := routes.NewRouter(cfg.JWTSecret,
		handlers.HealthCheck(db),
		handlers.NewSyncHandler(service, logger),
		handlers.NewNotificationHandler(app.notifications, logger))
	loggedRouter := middleware.LoggingMiddleware(logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	app.startServer(ctx, corsHandler)
	app.stopRunner()

	logger.Info().Msg("Application terminated.")
	return nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// startRunner picks where background syncs run: goroutines in this process,
// or a Temporal worker which this process also hosts.
func (app *application) startRunner() (syncjob.Runner, error) {
	if app.config.Sync.Runner != config.RunnerTemporal {
		app.supervisor = syncjob.NewSupervisor(context.Background(), app.orchestrator, app.logger)
		app.logger.Info().Msg("Running sync jobs in-process")
		return app.supervisor, nil
	}

	client, err := tc.Dial(tc.Options{
		HostPort:  app.config.Temporal.HostPort,
		Namespace: app.config.Temporal.Namespace,
		Logger:    temporal.NewAdapter(app.logger),
	})
	if err != nil {
		app.logger.Error().Err(err).Msg("Unable to create Temporal client")
		return nil, err
	}
	app.temporalClient = client

	queue := app.config.Temporal.TaskQueue
	w := tworker.New(client, queue, tworker.Options{})
	w.RegisterWorkflow(workflows.SyncWorkflow)
	w.RegisterActivity(&activities.Activities{Processor: app.orchestrator})

	app.logger.Info().Str("task_queue", queue).Msg("Starting Temporal worker...")
	if err := w.Start(); err != nil {
		client.Close()
		app.logger.Error().Err(err).Msg("Unable to start Temporal worker")
		return nil, err
	}
	app.temporalWorker = w
	return temporal.NewRunner(client, queue, workflows.SyncWorkflow, app.logger), nil
}

// stopRunner interrupts running syncs; they pause and can be resumed later.
func (app *application) stopRunner() {
	if app.supervisor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), runShutdownTimeout)
		defer cancel()
		if err := app.supervisor.Shutdown(ctx); err != nil {
			app.logger.Error().Err(err).Msg("Background syncs did not stop in time")
		}
		return
	}
	app.logger.Info().Msg("Stopping Temporal worker...")
	app.temporalWorker.Stop()
	app.temporalClient.Close()
	app.logger.Info().Msg("Temporal worker stopped.")
}

// startServer serves until ctx is done or the listener fails.
func (app *application) startServer(ctx context.Context, handler http.Handler) {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		app.logger.Info().Msg("Shutdown signal received. Shutting down...")
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}
}
