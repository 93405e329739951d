package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ridedispatch/internal/domain"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Auth modes.
const (
	AuthJWT    = "jwt"
	AuthHeader = "header"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NewRelic NewRelicConfig
	Auth     AuthConfig
	Engine   EngineConfig
	Log      LogConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StoreConfig selects where users and rides live.
type StoreConfig struct {
	Backend     string
	AutoMigrate bool
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRelicConfig holds New Relic configuration.
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// AuthConfig holds caller authentication settings.
type AuthConfig struct {
	Mode      string
	JWTSecret string
	Issuer    string
	Audience  string
}

// EngineConfig holds ride lifecycle settings.
type EngineConfig struct {
	ActiveStatuses     []domain.RideStatus
	LockTTL            time.Duration
	CodeAttempts       int
	StartAttemptLimit  int // 0 disables the limit
	StartAttemptPeriod time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	JSON  bool
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string
	ServiceName string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	active, err := parseStatuses(getEnv("ENGINE_ACTIVE_STATUSES", "ACCEPTED,STARTED"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),
			AutoMigrate: getBoolEnv("DB_AUTO_MIGRATE", true),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "ride_dispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		NewRelic: NewRelicConfig{
			AppName:    getEnv("NEW_RELIC_APP_NAME", "ride-dispatch"),
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			Enabled:    getBoolEnv("NEW_RELIC_ENABLED", false),
		},
		Auth: AuthConfig{
			Mode:      strings.ToLower(getEnv("AUTH_MODE", AuthJWT)),
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
			Issuer:    getEnv("AUTH_JWT_ISSUER", "ride-dispatch"),
			Audience:  getEnv("AUTH_JWT_AUDIENCE", "ride-dispatch-api"),
		},
		Engine: EngineConfig{
			ActiveStatuses:     active,
			LockTTL:            getDurationEnv("ENGINE_LOCK_TTL", 5*time.Second),
			CodeAttempts:       getIntEnv("ENGINE_CODE_ATTEMPTS", 50),
			StartAttemptLimit:  getIntEnv("ENGINE_START_ATTEMPT_LIMIT", 5),
			StartAttemptPeriod: getDurationEnv("ENGINE_START_ATTEMPT_PERIOD", time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getBoolEnv("LOG_JSON", false),
		},
		Tracing: TracingConfig{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "ride-dispatch"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store.Backend)
	}
	switch c.Auth.Mode {
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required when AUTH_MODE=%s", AuthJWT)
		}
	case AuthHeader:
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthJWT, AuthHeader, c.Auth.Mode)
	}
	if c.Engine.CodeAttempts < 1 {
		return fmt.Errorf("ENGINE_CODE_ATTEMPTS must be at least 1")
	}
	return nil
}

// parseStatuses reads a comma separated list of ride statuses.
func parseStatuses(raw string) ([]domain.RideStatus, error) {
	var out []domain.RideStatus
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		status, ok := domain.ParseRideStatus(part)
		if !ok {
			return nil, fmt.Errorf("ENGINE_ACTIVE_STATUSES: unknown status %q", part)
		}
		if status.IsTerminal() {
			return nil, fmt.Errorf("ENGINE_ACTIVE_STATUSES: %s is terminal", status)
		}
		out = append(out, status)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ENGINE_ACTIVE_STATUSES must name at least one status")
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
