// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store and bus backend names.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Config holds all application configuration shared by the gateway and worker.
type Config struct {
	Port         string
	FrontendURL  string
	StoreBackend string
	BusBackend   string
	DBPath       string
	RedisURL     string
	NATSURL      string
	SessionTTL   time.Duration
	HistoryLimit int
	Gateway      GatewayConfig
	Worker       WorkerConfig
}

// GatewayConfig controls connection handling in the gateway.
type GatewayConfig struct {
	PublishRetries       int
	RetryBaseDelay       time.Duration
	ConsumeBlock         time.Duration
	SessionCheckInterval time.Duration
	RateLimitPerSecond   float64
	RateLimitBurst       int
	SweepInterval        time.Duration
	WorkerHealthAddr     string
	MetricsEnabled       bool
}

// WorkerConfig controls the inference worker.
type WorkerConfig struct {
	ID                 string
	Slots              int
	ClaimMinIdle       time.Duration
	Provider           string
	InferenceBaseURL   string
	InferenceAPIKey    string
	InferenceModel     string
	InferenceMaxTokens int
	InferenceTimeout   time.Duration
	HealthAddr         string
	MetricsAddr        string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "3500"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		BusBackend:   strings.ToLower(getEnv("BUS_BACKEND", BackendRedis)),
		DBPath:       getEnv("DB_PATH", "./data/chatrelay.db"),
		RedisURL:     redisURL(),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		SessionTTL:   getEnvDuration("SESSION_TTL", time.Hour),
		HistoryLimit: getEnvInt("HISTORY_LIMIT", 10),
		Gateway: GatewayConfig{
			PublishRetries:       getEnvInt("PUBLISH_RETRIES", 3),
			RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			ConsumeBlock:         getEnvDuration("CONSUME_BLOCK", 5*time.Second),
			SessionCheckInterval: getEnvDuration("SESSION_CHECK_INTERVAL", 30*time.Second),
			RateLimitPerSecond:   getEnvFloat("RATE_LIMIT_PER_SECOND", 5),
			RateLimitBurst:       getEnvInt("RATE_LIMIT_BURST", 10),
			SweepInterval:        getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			WorkerHealthAddr:     getEnv("WORKER_HEALTH_ADDR", ""),
			MetricsEnabled:       getEnvBool("METRICS_ENABLED", true),
		},
		Worker: WorkerConfig{
			ID:                 getEnv("WORKER_ID", ""),
			Slots:              getEnvInt("WORKER_SLOTS", 2),
			ClaimMinIdle:       getEnvDuration("CLAIM_MIN_IDLE", time.Minute),
			Provider:           strings.ToLower(getEnv("INFERENCE_PROVIDER", "openai")),
			InferenceBaseURL:   getEnv("INFERENCE_BASE_URL", "https://api.groq.com/openai/v1"),
			InferenceAPIKey:    getEnv("INFERENCE_API_KEY", os.Getenv("GROQ_API_KEY")),
			InferenceModel:     getEnv("INFERENCE_MODEL", "openai/gpt-oss-20b"),
			InferenceMaxTokens: getEnvInt("INFERENCE_MAX_TOKENS", 512),
			InferenceTimeout:   getEnvDuration("INFERENCE_TIMEOUT", 60*time.Second),
			HealthAddr:         getEnv("HEALTH_ADDR", ":50051"),
			MetricsAddr:        getEnv("METRICS_ADDR", ":9102"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendSQLite, BackendRedis, c.StoreBackend)
	}
	switch c.BusBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	case BackendNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL cannot be empty")
		}
	default:
		return fmt.Errorf("BUS_BACKEND must be %q or %q, got %q", BackendRedis, BackendNATS, c.BusBackend)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Gateway.PublishRetries <= 0 {
		return fmt.Errorf("PUBLISH_RETRIES must be > 0")
	}
	if c.Gateway.ConsumeBlock <= 0 {
		return fmt.Errorf("CONSUME_BLOCK must be > 0")
	}
	if c.Worker.Slots <= 0 {
		return fmt.Errorf("WORKER_SLOTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// redisURL prefers REDIS_URL and otherwise assembles one from the
// REDIS_HOST/REDIS_PORT/REDIS_USER/REDIS_PASSWORD variables.
func redisURL() string {
	if v := getEnv("REDIS_URL", ""); v != "" {
		return v
	}
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	u := &url.URL{Scheme: "redis", Host: host + ":" + port, Path: "/0"}
	user := getEnv("REDIS_USER", "")
	password := getEnv("REDIS_PASSWORD", "")
	if user != "" || password != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("3600").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
