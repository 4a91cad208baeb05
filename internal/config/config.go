package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Permission modes.
const (
	PermissionAllow  = "allow"
	PermissionCasbin = "casbin"
	PermissionHTTP   = "http"
)

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Port             string `env:"PORT" default:"8080"`
	AuthToken        string `env:"AUTH_TOKEN"`
	DBURL            string `env:"DB_URL"`
	ReadTimeoutSecs  int    `env:"SERVER_READ_TIMEOUT" default:"15"`
	WriteTimeoutSecs int    `env:"SERVER_WRITE_TIMEOUT" default:"15"`
	IdleTimeoutSecs  int    `env:"SERVER_IDLE_TIMEOUT" default:"60"`

	DBMaxConns        int `env:"DB_MAX_CONNS" default:"20"`
	DBMinConns        int `env:"DB_MIN_CONNS" default:"2"`
	DBMaxIdleSecs     int `env:"DB_MAX_CONN_IDLE_SECS" default:"300"`
	DBMaxLifeSecs     int `env:"DB_MAX_CONN_LIFETIME_SECS" default:"3600"`
	DBConnTimeoutSecs int `env:"DB_CONN_TIMEOUT_SECS" default:"10"`
	DBStatementCache  int `env:"DB_STATEMENT_CACHE_CAPACITY" default:"256"`

	MinScore     int           `env:"RATING_MIN_SCORE" default:"1"`
	MaxScore     int           `env:"RATING_MAX_SCORE" default:"5"`
	MaxRetries   int           `env:"RATING_MAX_RETRIES" default:"5"`
	RetryBackoff time.Duration `env:"RATING_RETRY_BACKOFF" default:"10ms"`

	PermissionMode        string `env:"PERMISSION_MODE" default:"allow"`
	PermissionModelPath   string `env:"PERMISSION_MODEL_PATH"`
	PermissionPolicyPath  string `env:"PERMISSION_POLICY_PATH"`
	PermissionURL         string `env:"PERMISSION_URL"`
	PermissionAPIKey      string `env:"PERMISSION_API_KEY"`
	PermissionTimeoutSecs int    `env:"PERMISSION_TIMEOUT_SECS" default:"5"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" default:"30s"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads configuration for the HTTP server. A .env file in the working
// directory is applied first when present.
func Load() (Config, error) {
	cfg, err := load()
	if err != nil {
		return Config{}, err
	}
	if cfg.AuthToken == "" {
		return Config{}, errors.New("AUTH_TOKEN is required")
	}
	return cfg, nil
}

// LoadBatch reads configuration for offline tools, which need no AUTH_TOKEN.
func LoadBatch() (Config, error) {
	return load()
}

func load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.DBURL == "" {
		return errors.New("DB_URL is required")
	}
	if cfg.DBMaxConns <= 0 {
		return errors.New("DB_MAX_CONNS must be positive")
	}
	if cfg.DBMinConns < 0 {
		return errors.New("DB_MIN_CONNS must be non-negative")
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		return errors.New("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if cfg.DBStatementCache < 0 {
		return errors.New("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	if cfg.MinScore > cfg.MaxScore {
		return errors.New("RATING_MIN_SCORE cannot exceed RATING_MAX_SCORE")
	}
	if cfg.MaxRetries <= 0 {
		return errors.New("RATING_MAX_RETRIES must be positive")
	}
	if cfg.RetryBackoff < 0 {
		return errors.New("RATING_RETRY_BACKOFF must be non-negative")
	}

	switch cfg.PermissionMode {
	case PermissionAllow:
	case PermissionCasbin:
		if cfg.PermissionPolicyPath == "" {
			return errors.New("PERMISSION_POLICY_PATH is required when PERMISSION_MODE=casbin")
		}
	case PermissionHTTP:
		if cfg.PermissionURL == "" {
			return errors.New("PERMISSION_URL is required when PERMISSION_MODE=http")
		}
		if cfg.PermissionAPIKey == "" {
			return errors.New("PERMISSION_API_KEY is required when PERMISSION_MODE=http")
		}
		if cfg.PermissionTimeoutSecs <= 0 {
			return errors.New("PERMISSION_TIMEOUT_SECS must be positive")
		}
	default:
		return fmt.Errorf("PERMISSION_MODE must be one of allow, casbin, http (got %q)", cfg.PermissionMode)
	}

	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
		if cfg.CacheTTL <= 0 {
			return errors.New("CACHE_TTL must be positive")
		}
	}
	return nil
}
