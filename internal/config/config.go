package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Presence PresenceConfig `yaml:"presence"`
	Client   ClientConfig   `yaml:"client"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	BasePath        string        `yaml:"base_path"`
	Env             string        `yaml:"env"`
	LogLevel        string        `yaml:"log_level"`
	CORSOrigins     string        `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

type AuthConfig struct {
	ServiceURL     string `yaml:"service_url"`
	SecretKey      string `yaml:"secret_key"`
	InternalAPIKey string `yaml:"internal_api_key"`
}

// PresenceConfig controls the server-side registry.
type PresenceConfig struct {
	Store         string        `yaml:"store"` // postgres | redis | bolt
	BoltPath      string        `yaml:"bolt_path"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepMaxAge   time.Duration `yaml:"sweep_max_age"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// ClientConfig holds the settings used by the client SDK (cmd/agent).
type ClientConfig struct {
	Token                   string        `yaml:"token"`
	UserID                  string        `yaml:"user_id"`
	OrgID                   string        `yaml:"org_id"`
	DisplayName             string        `yaml:"display_name"`
	Email                   string        `yaml:"email"`
	Channels                []string      `yaml:"channels"`
	ServerURL               string        `yaml:"server_url"`
	NotificationServiceURL  string        `yaml:"notification_service_url"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	GuardTimeout            time.Duration `yaml:"guard_timeout"`
	ReconnectDelay          time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts    int           `yaml:"max_reconnect_attempts"`
	TransportErrorThreshold int           `yaml:"transport_error_threshold"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	OfflineTimeout          time.Duration `yaml:"offline_timeout"`
	HTTPTimeout             time.Duration `yaml:"http_timeout"`
	RateLimitWindow         time.Duration `yaml:"rate_limit_window"`
	ReadRequestLimit        int           `yaml:"read_request_limit"`
	AlertWindow             time.Duration `yaml:"alert_window"`
	AlertMax                int           `yaml:"alert_max"`
	ForcePollingHosts       []string      `yaml:"force_polling_hosts"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8003,
			BasePath:        "/api/presence",
			Env:             "dev",
			LogLevel:        "debug",
			CORSOrigins:     "*",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		Presence: PresenceConfig{
			Store:         "postgres",
			BoltPath:      "data/presence.db",
			StaleAfter:    5 * time.Minute,
			SweepMaxAge:   10 * time.Minute,
			SweepSchedule: "@every 5m",
		},
		Client: ClientConfig{
			ServerURL:               "http://localhost:8003/api/presence",
			NotificationServiceURL:  "http://localhost:8002",
			ConnectTimeout:          20 * time.Second,
			GuardTimeout:            20 * time.Second,
			ReconnectDelay:          time.Second,
			MaxReconnectAttempts:    5,
			TransportErrorThreshold: 3,
			PollInterval:            30 * time.Second,
			OfflineTimeout:          2 * time.Second,
			HTTPTimeout:             10 * time.Second,
			RateLimitWindow:         10 * time.Second,
			ReadRequestLimit:        20,
			AlertWindow:             5 * time.Second,
			AlertMax:                1,
		},
	}

	// Load from yaml file if exists
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		cfg.Server.BasePath = basePath
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = origins
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
		cfg.Redis.Enabled = true
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if authURL := os.Getenv("AUTH_SERVICE_URL"); authURL != "" {
		cfg.Auth.ServiceURL = authURL
	}
	if secretKey := os.Getenv("SECRET_KEY"); secretKey != "" {
		cfg.Auth.SecretKey = secretKey
	}
	if apiKey := os.Getenv("INTERNAL_API_KEY"); apiKey != "" {
		cfg.Auth.InternalAPIKey = apiKey
	}
	if store := os.Getenv("PRESENCE_STORE"); store != "" {
		cfg.Presence.Store = store
	}
	if boltPath := os.Getenv("PRESENCE_BOLT_PATH"); boltPath != "" {
		cfg.Presence.BoltPath = boltPath
	}
	if serverURL := os.Getenv("PRESENCE_SERVER_URL"); serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if notiURL := os.Getenv("NOTIFICATION_SERVICE_URL"); notiURL != "" {
		cfg.Client.NotificationServiceURL = notiURL
	}
	if token := os.Getenv("PRESENCE_TOKEN"); token != "" {
		cfg.Client.Token = token
	}
	if userID := os.Getenv("PRESENCE_USER_ID"); userID != "" {
		cfg.Client.UserID = userID
	}
	if orgID := os.Getenv("PRESENCE_ORG_ID"); orgID != "" {
		cfg.Client.OrgID = orgID
	}
	if name := os.Getenv("PRESENCE_DISPLAY_NAME"); name != "" {
		cfg.Client.DisplayName = name
	}
	if hosts := os.Getenv("FORCE_POLLING_HOSTS"); hosts != "" {
		cfg.Client.ForcePollingHosts = splitList(hosts)
	}

	return cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
