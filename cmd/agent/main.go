package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schoolsync/internal/api"
	"schoolsync/internal/config"
	"schoolsync/internal/connectivity"
	"schoolsync/internal/database"
	"schoolsync/internal/events"
	"schoolsync/internal/export"
	"schoolsync/internal/logging"
	"schoolsync/internal/metrics"
	"schoolsync/internal/remote"
	"schoolsync/internal/repository"
	"schoolsync/internal/resolver"
	"schoolsync/internal/service"
	"schoolsync/internal/worker"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if cfg.Sync.BaseURL == "" {
		logger.Error().Msg("sync.base_url is required")
		return os.ErrInvalid
	}
	if cfg.Sync.SessionID == "" {
		cfg.Sync.SessionID = uuid.NewString()
		logger.Warn().Str("session", cfg.Sync.SessionID).Msg("sync.session_id not set, using a random session")
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	bus := events.NewEventBus()
	redisClient, statusService := initStatusService(ctx, cfg, bus, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	client := remote.NewClient(cfg.Sync, &logger)

	// Считаем себя офлайн, пока первая проверка /healthz не пройдёт
	monitor := connectivity.NewMonitor(false, cfg.Sync.Debounce, clockwork.NewRealClock(), &logger)
	defer monitor.Close()
	go monitor.Run(ctx, client, cfg.Sync.ProbeInterval)

	manager := worker.NewManager(
		db,
		client,
		resolver.New(client, resolver.Policy{MaxAttempts: cfg.Sync.MaxAttempts}, &logger),
		monitor,
		worker.Options{
			Retry: worker.RetryPolicy{
				InitialDelay:  cfg.Sync.BackoffBase,
				MaxDelay:      cfg.Sync.BackoffMax,
				BackoffFactor: 2,
			},
			PeriodicInterval: cfg.Sync.PeriodicInterval,
			Status:           statusService,
			Events:           bus,
			DeadLetters:      statusService,
		},
		&logger,
	)
	if err := manager.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start sync manager")
		return err
	}
	defer manager.Stop()

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(db, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	var apiServer *api.HTTPServer
	if cfg.API.Enabled {
		hub := api.NewHub(&logger)
		unsubscribe := bus.SubscribeAll(hub.Broadcast)
		defer unsubscribe()

		apiServer = api.NewHTTPServer(cfg.API, api.Deps{
			Controller:  manager,
			Queue:       db,
			Signals:     monitor,
			Exporter:    export.NewExporter(db, cfg.Exports.Path, &logger),
			DeadLetters: statusService,
			Hub:         hub,
		}, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("control API stopped")
			}
		}()
	}

	logger.Info().
		Str("session", cfg.Sync.SessionID).
		Str("server", cfg.Sync.BaseURL).
		Msg("Sync agent started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		_ = apiServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("Sync agent stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/agent.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "agent-main").Logger()

	return cfg, logger, closer, nil
}

// initStatusService mirrors status snapshots and dead letters to redis,
// falling back to memory while redis is unreachable.
func initStatusService(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) (*redis.Client, *service.StatusService) {
	fallback := repository.NewMemoryStatusRepository()
	if cfg.Redis.Address == "" {
		return nil, service.NewStatusService(fallback, bus, cfg.Sync.SessionID, logger)
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := repository.NewRedisStatusRepository(redisClient, cfg.Redis.TTL)
	repo := repository.NewFailoverStatusRepository(primary, fallback, logger)
	return redisClient, service.NewStatusService(repo, bus, cfg.Sync.SessionID, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
