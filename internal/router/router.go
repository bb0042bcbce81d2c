package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"presence-service/internal/handler"
	"presence-service/internal/metrics"
	"presence-service/internal/middleware"
	"presence-service/internal/websocket"
)

// Registry is the presence registry as seen by the polling endpoints and
// the websocket layer.
type Registry interface {
	handler.PresenceRegistry
	websocket.PresenceRegistry
}

// Config holds the dependencies of the HTTP surface.
type Config struct {
	DB       *gorm.DB      // optional, readiness only
	Redis    *redis.Client // optional, readiness only
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Registry  Registry
	Hub       *websocket.Hub
	Publisher websocket.Publisher
	Validator middleware.TokenValidator

	BasePath       string
	CORSOrigins    string
	InternalAPIKey string
	TouchPeriod    time.Duration // websocket last_seen refresh; zero uses the default
}

func Setup(cfg Config) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.MetricsMiddleware(cfg.Metrics))

	healthHandler := handler.NewHealthHandler(cfg.DB, cfg.Redis)
	presenceHandler := handler.NewPresenceHandler(cfg.Registry, cfg.Publisher, cfg.Logger)
	eventHandler := handler.NewEventHandler(cfg.Publisher, cfg.Logger)
	wsHandler := websocket.NewHandler(cfg.Hub, cfg.Registry, cfg.Validator, cfg.Metrics, cfg.Logger).
		WithTouchPeriod(cfg.TouchPeriod)
	metricsHandler := middleware.MetricsHandler(cfg.Gatherer)

	// Health and metrics (no auth)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", metricsHandler)

	api := r.Group(cfg.BasePath)
	{
		if cfg.BasePath != "" && cfg.BasePath != "/" {
			api.GET("/health", healthHandler.Health)
			api.GET("/ready", healthHandler.Ready)
			api.GET("/metrics", metricsHandler)
		}

		// the handshake authenticates itself from ?token= or the bearer header
		api.GET("/ws", wsHandler.ServeWS)

		authenticated := api.Group("")
		authenticated.Use(middleware.AuthMiddleware(cfg.Validator))
		{
			authenticated.POST("/presence", presenceHandler.Heartbeat)
			authenticated.GET("/presence", presenceHandler.ListOnline)
			authenticated.DELETE("/presence", presenceHandler.GoOffline)
		}

		internal := api.Group("/internal")
		internal.Use(middleware.InternalAuthMiddleware(cfg.InternalAPIKey))
		{
			internal.POST("/events", eventHandler.Publish)
		}
	}

	return r
}
