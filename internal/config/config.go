package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvProduction is the ENVIRONMENT value that selects production credentials.
	EnvProduction = "production"
	// EnvTest is reported for every other ENVIRONMENT value.
	EnvTest = "test"

	// ActivationStoreRedis keeps activated payment ids in Redis.
	ActivationStoreRedis = "redis"
	// ActivationStorePostgres keeps activated payment ids in Postgres.
	ActivationStorePostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Environment string `validate:"required"`
	Port        string `validate:"required"`
	ServiceName string
	Version     string

	CORSAllowedOrigins []string
	WebhookURL         string `validate:"required,url"`

	MercadoPagoAccessToken string
	MercadoPagoBaseURL     string        `validate:"required,url"`
	GatewayTimeout         time.Duration `validate:"gt=0"`
	CardPaymentMethodID    string        `validate:"required"`

	CircuitGatewayMinReq      int
	CircuitGatewayFailureRate float64
	CircuitGatewayOpenFor     time.Duration

	RedisURL    string `validate:"required"`
	DatabaseURL string `validate:"required_if=ActivationStore postgres"`

	ActivationStore         string `validate:"oneof=redis postgres"`
	ActivationWebhookURL    string `validate:"omitempty,url"`
	ActivationWebhookSecret string
	ActivationTimeout       time.Duration

	QueueRedisPrefix       string
	QueueConcurrency       int `validate:"gte=1"`
	QueueMaxAttempts       int `validate:"gte=1"`
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64

	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	ReconcileInlineWorker    bool
	ReconcileFallbackTimeout time.Duration

	HTTPMaxBodyBytes int64
	ShutdownTimeout  time.Duration

	LogFormat      string
	LogLevel       string
	MetricsEnabled bool
	MetricsPrefix  string
	TracingEnabled bool
	OTLPEndpoint   string
	TracingRatio   float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	environment := EnvTest
	if strings.EqualFold(strings.TrimSpace(k.String("ENVIRONMENT")), EnvProduction) {
		environment = EnvProduction
	}
	accessToken := k.String("MERCADOPAGO_ACCESS_TOKEN_TEST")
	if environment == EnvProduction {
		accessToken = k.String("MERCADOPAGO_ACCESS_TOKEN_PROD")
	}

	cfg := &Config{
		Environment: environment,
		Port:        valueOrDefault(k.String("PORT"), "3000"),
		ServiceName: valueOrDefault(k.String("SERVICE_NAME"), "Nexus Finance Backend"),
		Version:     valueOrDefault(k.String("SERVICE_VERSION"), "1.0.0"),

		CORSAllowedOrigins: splitAndTrim(k.String("FRONTEND_URL")),
		WebhookURL:         valueOrDefault(k.String("WEBHOOK_URL"), "http://localhost:3000/webhook"),

		MercadoPagoAccessToken: strings.TrimSpace(accessToken),
		MercadoPagoBaseURL:     valueOrDefault(k.String("MERCADOPAGO_BASE_URL"), "https://api.mercadopago.com"),
		GatewayTimeout:         parseDuration(k.String("GATEWAY_TIMEOUT"), "5s"),
		CardPaymentMethodID:    valueOrDefault(k.String("CARD_PAYMENT_METHOD_ID"), "visa"),

		CircuitGatewayMinReq:      parseInt(k.String("CIRCUIT_GATEWAY_MIN_REQUESTS"), 10),
		CircuitGatewayFailureRate: parseFloat(k.String("CIRCUIT_GATEWAY_FAILURE_RATE"), 0.5),
		CircuitGatewayOpenFor:     parseDuration(k.String("CIRCUIT_GATEWAY_OPEN_FOR"), "30s"),

		RedisURL:    strings.TrimSpace(k.String("REDIS_URL")),
		DatabaseURL: strings.TrimSpace(k.String("DATABASE_URL")),

		ActivationStore:         strings.ToLower(valueOrDefault(k.String("ACTIVATION_STORE"), ActivationStoreRedis)),
		ActivationWebhookURL:    strings.TrimSpace(k.String("ACTIVATION_WEBHOOK_URL")),
		ActivationWebhookSecret: k.String("ACTIVATION_WEBHOOK_SECRET"),
		ActivationTimeout:       parseDuration(k.String("ACTIVATION_TIMEOUT"), "10s"),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "nexus"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		ReconcileInlineWorker:    parseBool(k.String("RECONCILE_INLINE_WORKER"), true),
		ReconcileFallbackTimeout: parseDuration(k.String("RECONCILE_FALLBACK_TIMEOUT"), "15s"),

		HTTPMaxBodyBytes: int64(parseInt(k.String("HTTP_MAX_BODY_BYTES"), 1<<20)),
		ShutdownTimeout:  parseDuration(k.String("SHUTDOWN_TIMEOUT"), "30s"),

		LogFormat:      valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:       valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsEnabled: parseBool(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsPrefix:  valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "nexus"),
		TracingEnabled: parseBool(k.String("OBS_ENABLE_TRACING"), false),
		OTLPEndpoint:   strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingRatio:   parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// IsProduction reports whether production gateway credentials are in use.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "3000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// AllowedOrigins returns the CORS allowlist, falling back to any origin when
// FRONTEND_URL is unset.
func (c *Config) AllowedOrigins() []string {
	if len(c.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return c.CORSAllowedOrigins
}

// MaskedAccessToken returns a log-safe prefix of the gateway access token.
func (c *Config) MaskedAccessToken() string {
	token := c.MercadoPagoAccessToken
	if token == "" {
		return "not configured"
	}
	if len(token) > 20 {
		return token[:20] + "..."
	}
	return token[:len(token)/2] + "..."
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
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
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

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error.
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
