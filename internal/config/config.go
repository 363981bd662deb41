package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
// Defaults are overlaid by an optional YAML file, then by environment
// variables.
type Config struct {
	// Server
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// HTTP client
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Resilience
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`

	// Query cache
	InvalidationTick time.Duration `yaml:"invalidation_tick"`

	// Observability
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Backend
	StoreBackend string `yaml:"store_backend"`

	// Supabase
	SupabaseURL            string `yaml:"supabase_url"`
	SupabaseAnonKey        string `yaml:"supabase_anon_key"`
	SupabaseJWTSecret      string `yaml:"supabase_jwt_secret"`
	SupabaseRefreshToken   string `yaml:"supabase_refresh_token"`
	SessionRefreshSchedule string `yaml:"session_refresh_schedule"`

	// SQL
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// Local identity (postgres, sqlite and memory backends)
	LocalUserID       string `yaml:"local_user_id"`
	LocalUserEmail    string `yaml:"local_user_email"`
	LocalUserPassword string `yaml:"local_user_password"`
	LocalAutoSignIn   bool   `yaml:"local_auto_sign_in"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		LogLevel: "info",

		HTTPTimeout: 10 * time.Second,

		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxConcurrency:    50,
		RequestsPerSecond: 0,

		InvalidationTick: 5 * time.Millisecond,

		StoreBackend: BackendSupabase,

		SessionRefreshSchedule: "@every 1m",

		SQLitePath:  "data/xpense.db",
		AutoMigrate: true,

		LocalUserEmail: "local@xpense.dev",
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnvInt("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", c.HTTPTimeout)

	c.MaxRetries = getEnvInt("MAX_RETRIES", c.MaxRetries)
	c.InitialBackoff = getEnvDuration("INITIAL_BACKOFF", c.InitialBackoff)
	c.MaxConcurrency = getEnvInt("MAX_CONCURRENCY", c.MaxConcurrency)
	c.RequestsPerSecond = getEnvFloat("REQUESTS_PER_SECOND", c.RequestsPerSecond)

	c.InvalidationTick = getEnvDuration("INVALIDATION_TICK", c.InvalidationTick)

	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", c.StoreBackend))

	c.SupabaseURL = getEnv("SUPABASE_URL", c.SupabaseURL)
	c.SupabaseAnonKey = getEnv("SUPABASE_ANON_KEY", c.SupabaseAnonKey)
	c.SupabaseJWTSecret = getEnv("SUPABASE_JWT_SECRET", c.SupabaseJWTSecret)
	c.SupabaseRefreshToken = getEnv("SUPABASE_REFRESH_TOKEN", c.SupabaseRefreshToken)
	c.SessionRefreshSchedule = getEnv("SESSION_REFRESH_SCHEDULE", c.SessionRefreshSchedule)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.AutoMigrate = getEnvBool("AUTO_MIGRATE", c.AutoMigrate)

	c.LocalUserID = getEnv("LOCAL_USER_ID", c.LocalUserID)
	c.LocalUserEmail = getEnv("LOCAL_USER_EMAIL", c.LocalUserEmail)
	c.LocalUserPassword = getEnv("LOCAL_USER_PASSWORD", c.LocalUserPassword)
	c.LocalAutoSignIn = getEnvBool("LOCAL_AUTO_SIGN_IN", c.LocalAutoSignIn)
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.InvalidationTick <= 0 {
		errs = append(errs, errors.New("invalidation_tick must be positive"))
	}

	switch c.StoreBackend {
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_ANON_KEY are required for the supabase backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

// LocalIdentity reports whether the backend signs users in locally.
func (c *Config) LocalIdentity() bool {
	return c.StoreBackend != BackendSupabase
}

// DSN returns the connection string of the SQL backends.
func (c *Config) DSN() string {
	if c.StoreBackend == BackendSQLite {
		return c.SQLitePath
	}
	return c.DatabaseURL
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
