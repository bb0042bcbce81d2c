package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"presence-service/internal/config"
	"presence-service/internal/database"
	"presence-service/internal/job"
	"presence-service/internal/metrics"
	"presence-service/internal/middleware"
	"presence-service/internal/repository"
	"presence-service/internal/router"
	"presence-service/internal/service"
	"presence-service/internal/websocket"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("Starting Presence Service",
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Env),
		zap.String("base_path", cfg.Server.BasePath),
		zap.String("store", cfg.Presence.Store),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Presence Service stopped with error", zap.Error(err))
	}
	logger.Info("Server exited gracefully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional unless it backs the registry
	var redisClient *redis.Client
	if cfg.Redis.Enabled || cfg.Presence.Store == "redis" {
		client, err := database.NewRedis(cfg.Redis, logger)
		if err != nil {
			if cfg.Presence.Store == "redis" {
				return fmt.Errorf("redis presence store unavailable: %w", err)
			}
			logger.Warn("Redis unavailable, events are delivered to this instance only", zap.Error(err))
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	db, repo, closeStore, err := openStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize metrics
	m := metrics.NewWithLogger(logger)
	logger.Info("Metrics initialized")

	presenceService := service.NewPresenceService(repo, m, logger, cfg.Presence.StaleAfter)
	hub := websocket.NewHub(m, logger)

	var publisher websocket.Publisher = websocket.NewLocalPublisher(hub)
	if redisClient != nil {
		publisher = websocket.NewRedisPublisher(redisClient)
	}

	scheduler, err := job.NewScheduler(
		cfg.Presence.SweepSchedule,
		job.NewSweepJob(presenceService, cfg.Presence.SweepMaxAge, logger),
		logger,
	)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Presence.SweepSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	r := router.Setup(router.Config{
		DB:             db,
		Redis:          redisClient,
		Logger:         logger,
		Metrics:        m,
		Gatherer:       prometheus.DefaultGatherer,
		Registry:       presenceService,
		Hub:            hub,
		Publisher:      publisher,
		Validator:      middleware.NewAuthServiceValidator(cfg.Auth.ServiceURL, cfg.Auth.SecretKey, logger),
		BasePath:       cfg.Server.BasePath,
		CORSOrigins:    cfg.Server.CORSOrigins,
		InternalAPIKey: cfg.Auth.InternalAPIKey,
		TouchPeriod:    cfg.Presence.StaleAfter / 3,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Presence Service started successfully", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	if redisClient != nil {
		subscriber := websocket.NewSubscriber(redisClient, hub, logger)
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	return g.Wait()
}

// openStore selects the presence store. The returned *gorm.DB is nil for
// the redis and bolt stores.
func openStore(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*gorm.DB, repository.PresenceRepository, func(), error) {
	switch cfg.Presence.Store {
	case "redis":
		logger.Info("Using redis presence store")
		return nil, repository.NewRedisPresenceRepository(redisClient), func() {}, nil

	case "bolt":
		bolt, err := repository.NewBoltPresenceRepository(cfg.Presence.BoltPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open bolt presence store: %w", err)
		}
		logger.Info("Using bolt presence store", zap.String("path", cfg.Presence.BoltPath))
		return nil, bolt, func() {
			if err := bolt.Close(); err != nil {
				logger.Warn("Failed to close bolt store", zap.Error(err))
			}
		}, nil

	case "postgres", "sqlite", "gorm", "":
		db, err := database.New(cfg.Database, cfg.Server.Env)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("Database connected successfully", zap.String("driver", cfg.Database.Driver))

		if err := database.AutoMigrate(db); err != nil {
			database.Close(db)
			return nil, nil, nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("Database migrations completed")

		return db, repository.NewPresenceRepository(db), func() {
			if err := database.Close(db); err != nil {
				logger.Warn("Failed to close database", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported presence store %q", cfg.Presence.Store)
}

// initLogger initializes the zap logger with the specified level
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      zapLevel == zapcore.DebugLevel,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapConfig.Build()
}
