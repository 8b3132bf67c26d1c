package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache / journal / throttle store
	RedisAddr string

	// Quota defaults applied when a user has no override row
	DefaultMonthlyLimit   float64 // USD, default: 10.00
	DefaultDailyLimit     float64 // USD, default: 2.00
	DefaultHourlyRequests int     // requests per trailing hour, default: 20

	// Fraction of a day/month budget that triggers a warning on admit
	UsageAlertThreshold float64 // default: 0.8

	// Identities exempt from enforcement and allowed on admin endpoints
	AdminUserIDs map[string]struct{}

	// Cost rates in USD per 1K tokens, keyed by service name.
	// Services missing from the map are not token-metered and cost zero.
	CostPer1KTokens map[string]float64

	// Transport-level throttle (requests per minute per user)
	ThrottleRPM int64 // default: 60

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.DefaultMonthlyLimit, err = getFloat("DEFAULT_MONTHLY_LIMIT", 10.0); err != nil {
		return nil, err
	}
	if cfg.DefaultDailyLimit, err = getFloat("DEFAULT_DAILY_LIMIT", 2.0); err != nil {
		return nil, err
	}
	if cfg.DefaultHourlyRequests, err = getInt("DEFAULT_HOURLY_REQUESTS", 20); err != nil {
		return nil, err
	}
	if cfg.UsageAlertThreshold, err = getFloat("USAGE_ALERT_THRESHOLD", 0.8); err != nil {
		return nil, err
	}

	rpm, err := getInt("THROTTLE_REQUESTS_PER_MINUTE", 60)
	if err != nil {
		return nil, err
	}
	cfg.ThrottleRPM = int64(rpm)

	cfg.AdminUserIDs = make(map[string]struct{})
	for _, id := range strings.Split(os.Getenv("ADMIN_USER_IDS"), ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			cfg.AdminUserIDs[id] = struct{}{}
		}
	}

	cfg.CostPer1KTokens, err = parseRates(getEnv("COST_PER_1K_TOKENS", "groq=0.20"))
	if err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.DefaultMonthlyLimit <= 0 || cfg.DefaultDailyLimit <= 0 || cfg.DefaultHourlyRequests <= 0 {
		return nil, fmt.Errorf("default limits must be positive")
	}
	if cfg.UsageAlertThreshold <= 0 || cfg.UsageAlertThreshold > 1 {
		return nil, fmt.Errorf("USAGE_ALERT_THRESHOLD must be in (0, 1]")
	}

	return cfg, nil
}

// parseRates parses "service=rate,service=rate" pairs.
func parseRates(raw string) (map[string]float64, error) {
	rates := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid COST_PER_1K_TOKENS entry: %q", pair)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || rate < 0 {
			return nil, fmt.Errorf("invalid rate for service %q: %q", name, value)
		}
		rates[strings.TrimSpace(name)] = rate
	}
	return rates, nil
}

func (c *Config) IsAdmin(userID string) bool {
	_, ok := c.AdminUserIDs[userID]
	return ok
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
