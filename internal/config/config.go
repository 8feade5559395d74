// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, Load errors and
// the process exits.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all runtime configuration for the channel service.
type Config struct {
	Port            string
	StoreDriver     string
	DatabaseURL     string
	RedisURL        string // optional: events are dropped when empty
	ShutdownTimeout time.Duration

	LogLevel  slog.Level
	LogFormat string // "json" or "text"

	Scrape ScrapeConfig
}

// ScrapeConfig tunes upstream harvesting.
// Empty BaseURL and UserAgent fall back to the scraper defaults.
type ScrapeConfig struct {
	BaseURL        string
	UserAgent      string
	Timeout        time.Duration
	RequestDelay   time.Duration
	MaxRetries     int
	MaxConcurrency int
	RatePerSecond  float64
	RateBurst      int
	Cron           string // e.g. "@every 24h"; empty disables the schedule
	OnStart        bool
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvDefault("CHANNEL_PORT", "8083"),
		StoreDriver: strings.ToLower(getEnvDefault("STORE_DRIVER", StorePostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		LogFormat:   strings.ToLower(getEnvDefault("LOG_FORMAT", "json")),
		Scrape: ScrapeConfig{
			BaseURL:   os.Getenv("SCRAPE_BASE_URL"),
			UserAgent: os.Getenv("SCRAPE_USER_AGENT"),
			Cron:      getEnvDefault("SCRAPE_CRON", "@every 24h"),
		},
	}

	if strings.EqualFold(cfg.Scrape.Cron, "off") {
		cfg.Scrape.Cron = ""
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.StoreDriver)
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	level, err := parseLogLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	var errs []string
	check := func(key string, err error) {
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}

	cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second)
	check("SHUTDOWN_TIMEOUT", err)
	cfg.Scrape.Timeout, err = getEnvDuration("SCRAPE_TIMEOUT", 30*time.Second)
	check("SCRAPE_TIMEOUT", err)
	cfg.Scrape.RequestDelay, err = getEnvDuration("SCRAPE_REQUEST_DELAY", time.Second)
	check("SCRAPE_REQUEST_DELAY", err)
	cfg.Scrape.MaxRetries, err = getEnvInt("SCRAPE_MAX_RETRIES", 3, 0)
	check("SCRAPE_MAX_RETRIES", err)
	cfg.Scrape.MaxConcurrency, err = getEnvInt("SCRAPE_MAX_CONCURRENCY", 3, 1)
	check("SCRAPE_MAX_CONCURRENCY", err)
	cfg.Scrape.RateBurst, err = getEnvInt("SCRAPE_RATE_BURST", 1, 1)
	check("SCRAPE_RATE_BURST", err)
	cfg.Scrape.RatePerSecond, err = getEnvFloat("SCRAPE_RATE_PER_SEC", 2)
	check("SCRAPE_RATE_PER_SEC", err)
	cfg.Scrape.OnStart, err = getEnvBool("SCRAPE_ON_START", false)
	check("SCRAPE_ON_START", err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// SetupLogger builds the process logger from cfg and installs it as the
// slog default.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("service", "channel-service"))
	slog.SetDefault(logger)
	return logger
}

func getEnvDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal, minVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", val)
	}
	if n < minVal {
		return 0, fmt.Errorf("must be >= %d, got %d", minVal, n)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("not a non-negative number: %q", val)
	}
	return f, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid duration %q (use Go format: 30s, 1h, 15m)", val)
	}
	return d, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("not a boolean: %q", val)
	}
	return b, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q, want debug, info, warn or error", level)
	}
}
