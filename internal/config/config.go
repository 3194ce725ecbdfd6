// Package config loads all runtime configuration from environment variables.
// No config files and no third-party config framework are used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for Bookkeeper.
type Config struct {
	HTTP   HTTPConfig
	DB     DBConfig
	Redis  RedisConfig
	Log    LogConfig
	JWT    JWTConfig
	App    AppConfig
	Worker WorkerConfig
	OTel   OTelConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port           int
	PublicBaseURL  string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver        string // "sqlite" (default), "postgres" or "mongo"
	DSN           string // required when Driver == "postgres"
	File          string // SQLite database file path (default: "bookkeeper.db")
	MaxConns      int    // Postgres only
	MongoURI      string // required when Driver == "mongo"
	MongoDatabase string
}

// RedisConfig enables cross-process notification fan-out when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // intentional: loaded from env
	DB       int
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// JWTConfig holds JSON Web Token signing and expiry settings.
type JWTConfig struct {
	Secret     string //nolint:gosec // intentional: holds JWT signing secret loaded from env
	Algorithm  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AppConfig holds application-level settings.
type AppConfig struct {
	SiteName          string
	InviteTTL         time.Duration
	SignupOTPTTL      time.Duration
	SeedAdminEmail    string
	SeedAdminPassword string
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency int
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)
	cfg.HTTP.PublicBaseURL = strings.TrimRight(envStr("PUBLIC_BASE_URL", "http://localhost:8080"), "/")
	cfg.HTTP.AllowedOrigins = envList("CORS_ALLOWED_ORIGINS", []string{"*"})
	if cfg.HTTP.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("REQUEST_TIMEOUT: %w", err)
	}

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "bookkeeper.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)
	cfg.DB.MongoURI = os.Getenv("MONGO_URI")
	cfg.DB.MongoDatabase = envStr("MONGO_DATABASE", "bookkeeper")
	switch cfg.DB.Driver {
	case "sqlite":
	case "postgres":
		if cfg.DB.DSN == "" {
			return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
		}
	case "mongo":
		if cfg.DB.MongoURI == "" {
			return nil, errors.New("MONGO_URI is required when DB_DRIVER=mongo")
		}
	default:
		return nil, fmt.Errorf("DB_DRIVER %q is not supported", cfg.DB.Driver)
	}

	// Redis
	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envInt("REDIS_DB", 0)

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// JWT (secret required)
	cfg.JWT.Secret = os.Getenv("JWT_SECRET_KEY")
	if cfg.JWT.Secret == "" {
		return nil, errors.New("JWT_SECRET_KEY is required")
	}
	cfg.JWT.Algorithm = strings.ToUpper(envStr("JWT_ALGORITHM", "HS256"))
	switch cfg.JWT.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("JWT_ALGORITHM %q is not supported", cfg.JWT.Algorithm)
	}
	cfg.JWT.AccessTTL = time.Duration(envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)) * time.Minute
	cfg.JWT.RefreshTTL = time.Duration(envInt("REFRESH_TOKEN_EXPIRE_DAYS", 7)) * 24 * time.Hour

	// App
	cfg.App.SiteName = envStr("SITE_NAME", "Bookkeeper")
	if cfg.App.InviteTTL, err = envDuration("INVITE_TTL", 168*time.Hour); err != nil {
		return nil, fmt.Errorf("INVITE_TTL: %w", err)
	}
	if cfg.App.SignupOTPTTL, err = envDuration("SIGNUP_OTP_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("SIGNUP_OTP_TTL: %w", err)
	}
	cfg.App.SeedAdminEmail = envStr("SEED_ADMIN_EMAIL", "admin@bookkeeper.local")
	cfg.App.SeedAdminPassword = os.Getenv("SEED_ADMIN_PASSWORD")

	// Worker
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
