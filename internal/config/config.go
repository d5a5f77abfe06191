package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	Currency    string
	FloorAtZero bool

	PaymentBaseURL       string
	PaymentAPIKey        string
	PaymentBrandID       string
	PaymentWebhookSecret string
	PaymentTimeout       time.Duration

	IntentTTL        time.Duration
	WebhookReplayTTL time.Duration

	LogFormat string
	LogLevel  string

	MetricsNamespace string

	TracingEnabled  bool
	TracingEndpoint string
	TracingSampling float64

	RateLimitPerMinute int
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		Currency:    strings.ToUpper(valueOrDefault(k.String("PRICING_CURRENCY"), "USD")),
		FloorAtZero: parseBool(k.String("PRICING_FLOOR_AT_ZERO")),

		PaymentBaseURL:       valueOrDefault(k.String("PAYMENT_BASE_URL"), "https://gate.chip-in.asia/api/v1"),
		PaymentAPIKey:        k.String("PAYMENT_API_KEY"),
		PaymentBrandID:       k.String("PAYMENT_BRAND_ID"),
		PaymentWebhookSecret: k.String("PAYMENT_WEBHOOK_SECRET"),
		PaymentTimeout:       parseDuration(k.String("PAYMENT_TIMEOUT"), "10s"),

		IntentTTL:        parseDuration(k.String("INTENT_TTL"), "15m"),
		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),

		LogFormat: valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:  valueOrDefault(k.String("LOG_LEVEL"), "info"),

		MetricsNamespace: valueOrDefault(k.String("METRICS_NAMESPACE"), "commerce"),

		TracingEnabled:  parseBool(k.String("TRACING_ENABLED")),
		TracingEndpoint: strings.TrimSpace(k.String("TRACING_ENDPOINT")),
		TracingSampling: parseFloat(k.String("TRACING_SAMPLING_RATIO"), 1),

		RateLimitPerMinute: parseInt(k.String("RATE_LIMIT_PER_MINUTE"), 300),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PaymentAPIKey == "" {
		return nil, errors.New("PAYMENT_API_KEY is required")
	}
	if cfg.PaymentWebhookSecret == "" {
		return nil, errors.New("PAYMENT_WEBHOOK_SECRET is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
