package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"presence-service/internal/client"
	"presence-service/internal/config"
	"presence-service/internal/domain"
	"presence-service/internal/governor"
	"presence-service/internal/realtime"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg.Client, logger); err != nil {
		logger.Fatal("Agent stopped with error", zap.Error(err))
	}
	logger.Info("Agent exited")
}

func run(cfg config.ClientConfig, logger *zap.Logger) error {
	orgID, err := uuid.Parse(cfg.OrgID)
	if err != nil {
		return fmt.Errorf("invalid org id %q: %w", cfg.OrgID, err)
	}
	var userID uuid.UUID
	if cfg.UserID != "" {
		if userID, err = uuid.Parse(cfg.UserID); err != nil {
			return fmt.Errorf("invalid user id %q: %w", cfg.UserID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gov := governor.New(cfg.RateLimitWindow)
	defer gov.Close()

	transport, err := realtime.NewWebsocketTransport(cfg.ServerURL, cfg.Token, logger)
	if err != nil {
		return err
	}
	presenceClient := client.NewPresenceClient(cfg.ServerURL, cfg.Token, cfg.HTTPTimeout, gov, cfg.ReadRequestLimit, logger)
	notificationClient := client.NewNotificationClient(cfg.NotificationServiceURL, cfg.Token, cfg.HTTPTimeout, gov, cfg.ReadRequestLimit, logger)

	reconciler := realtime.NewReconciler()
	notifier := realtime.NewNotifier(realtime.NotifierOptions{
		UserID:      userID,
		AlertWindow: cfg.AlertWindow,
		AlertMax:    cfg.AlertMax,
	}, notificationClient, logger)

	notifier.OnNotification(func(n domain.NotificationRecord) {
		logger.Info("Notification",
			zap.String("type", string(n.Type)),
			zap.String("priority", string(n.Priority)),
			zap.String("title", n.Title),
			zap.String("message", n.Message),
			zap.String("action_ref", n.ActionRef),
			zap.Int("unread", notifier.UnreadCount()))
	})
	notifier.OnAlert(func(msg string) {
		logger.Error("Authentication alert", zap.String("message", msg))
	})

	manager := realtime.NewConnectionManager(realtime.Options{
		ServerURL:         cfg.ServerURL,
		ForcePollingHosts: cfg.ForcePollingHosts,
		OrgID:             orgID,
		Profile: domain.Profile{
			DisplayName: cfg.DisplayName,
			Email:       cfg.Email,
		},
		ConnectTimeout:          cfg.ConnectTimeout,
		GuardTimeout:            cfg.GuardTimeout,
		ReconnectDelay:          cfg.ReconnectDelay,
		MaxReconnectAttempts:    cfg.MaxReconnectAttempts,
		TransportErrorThreshold: cfg.TransportErrorThreshold,
		PollInterval:            cfg.PollInterval,
		OfflineTimeout:          cfg.OfflineTimeout,
	}, transport, presenceClient, reconciler, notifier, logger)

	disconnected := make(chan struct{}, 1)
	manager.OnPhaseChange(func(p realtime.Phase) {
		if p == realtime.Disconnected {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	})

	joinChannels(ctx, manager, cfg.Channels, logger)

	if err := manager.Start(ctx); err != nil {
		return err
	}
	logger.Info("Agent started",
		zap.String("server", cfg.ServerURL),
		zap.String("org_id", orgID.String()))

	// Report the presence view every minute and once after phase changes settle.
	report := func() {
		logger.Info("Presence",
			zap.Stringer("phase", manager.Phase()),
			zap.Int("online", reconciler.Len()),
			zap.Int("unread", notifier.UnreadCount()))
	}
	manager.OnPhaseChange(func(realtime.Phase) { gov.Debounce("report", report, 500*time.Millisecond) })

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-disconnected:
			logger.Warn("Connection manager disconnected, stopping")
			break loop
		case <-ticker.C:
			report()
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.OfflineTimeout+time.Second)
	defer cancel()
	return manager.Close(closeCtx)
}

type channelJoiner interface {
	JoinChannel(ctx context.Context, channelID uuid.UUID) error
}

// joinChannels joins every configured channel and returns how many were
// accepted.
func joinChannels(ctx context.Context, manager channelJoiner, channels []string, logger *zap.Logger) int {
	joined := 0
	for _, raw := range channels {
		channelID, err := uuid.Parse(raw)
		if err != nil {
			logger.Warn("Skipping invalid channel id", zap.String("channel", raw))
			continue
		}
		if err := manager.JoinChannel(ctx, channelID); err != nil {
			logger.Warn("Failed to join channel", zap.String("channel", raw), zap.Error(err))
			continue
		}
		joined++
	}
	return joined
}

func initLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.Encoding = "console"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapConfig.Build()
}
