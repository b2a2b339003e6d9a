package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the POS service.
type Config struct {
	Env               string
	Port              string
	DatabaseURL       string // empty selects the in-memory store
	RedisURL          string // empty selects the in-memory idempotency store
	SeedFile          string
	SaleMaxAttempts   int
	SaleTimeout       time.Duration
	IdempotencyTTL    time.Duration
	PrometheusEnabled bool
	CORSAllowOrigins  []string
}

// Load reads a .env file if present and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:              getEnv("APP_ENV", "production"),
		Port:             getEnv("PORT", "8081"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		SeedFile:         os.Getenv("SEED_FILE"),
		CORSAllowOrigins: splitList(getEnv("CORS_ALLOW_ORIGINS", "*")),
	}

	var err error
	if cfg.SaleMaxAttempts, err = intEnv("SALE_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.SaleMaxAttempts < 1 {
		return nil, fmt.Errorf("SALE_MAX_ATTEMPTS must be at least 1, got %d", cfg.SaleMaxAttempts)
	}
	if cfg.SaleTimeout, err = durationEnv("SALE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PrometheusEnabled, err = boolEnv("PROMETHEUS_ENABLED", true); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Development reports whether APP_ENV selects development logging.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func intEnv(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func boolEnv(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
