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
	"github.com/shopspring/decimal"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	LogFormat          string
	LogLevel           string
	DatabaseURL        string
	RedisURL           string
	StoreDriver        string
	RunMigrations      bool
	JWTSecret          string
	JWTIssuer          string
	JWTPrevious        []string
	CORSAllowedOrigins []string

	// pricing
	CreditHourValue       decimal.Decimal
	MembershipDiscountPct decimal.Decimal
	HalfPriceCourseID     string
	CurrencyCode          string

	PaymentProvider    string
	MidtransServerKey  string
	MidtransBaseURL    string
	XenditSecretKey    string
	XenditBaseURL      string
	OmisePublicKey     string
	OmiseSecretKey     string
	PaymentSandbox     bool
	PaymentSessionTTL  time.Duration
	PaymentSuccessURL  string
	PaymentCancelURL   string
	WebhookReplayTTL   time.Duration
	IdempotencyTTL     time.Duration
	LockTTL            time.Duration
	LockRetryBackoff   time.Duration
	QueueRedisPrefix   string
	ReconcileGrace     time.Duration
	ReconcileSweep     time.Duration
	GatewayMinRequests int
	GatewayFailureRate float64
	GatewayOpenFor     time.Duration

	RateLimitQuotesPerMin int
	RateLimitBackend      string

	AMQPURL      string
	AMQPExchange string

	NotifyEmailEnabled       bool
	NotifyEmailFrom          string
	NotifyOpsEmail           string
	NotifyWebhookEndpoints   string
	NotifyWebhookTimeout     time.Duration
	NotifyWebhookMaxAttempts int

	CatalogCacheTTL time.Duration

	AuditEnabled      bool
	AuditSamplingRate float64

	OTLPEndpoint string
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
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		StoreDriver:        strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), StoreDriverPostgres)),
		RunMigrations:      parseBool(k.String("RUN_MIGRATIONS")),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "training-booking"),
		JWTPrevious:        splitAndTrim(k.String("JWT_PREVIOUS_SECRETS")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		CreditHourValue:       parseDecimal(k.String("PRICING_CREDIT_HOUR_VALUE"), "20"),
		MembershipDiscountPct: parseDecimal(k.String("PRICING_MEMBERSHIP_DISCOUNT_PCT"), "10"),
		HalfPriceCourseID:     strings.TrimSpace(k.String("PRICING_HALF_PRICE_COURSE_ID")),
		CurrencyCode:          strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "GBP")),

		PaymentProvider:    strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), "midtrans")),
		MidtransServerKey:  k.String("MIDTRANS_SERVER_KEY"),
		MidtransBaseURL:    k.String("MIDTRANS_BASE_URL"),
		XenditSecretKey:    k.String("XENDIT_SECRET_KEY"),
		XenditBaseURL:      k.String("XENDIT_BASE_URL"),
		OmisePublicKey:     k.String("OMISE_PUBLIC_KEY"),
		OmiseSecretKey:     k.String("OMISE_SECRET_KEY"),
		PaymentSandbox:     parseBoolDefault(k.String("PAYMENT_SANDBOX"), true),
		PaymentSessionTTL:  parseDuration(k.String("PAYMENT_SESSION_TTL"), "30m"),
		PaymentSuccessURL:  k.String("PAYMENT_SUCCESS_URL"),
		PaymentCancelURL:   k.String("PAYMENT_CANCEL_URL"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff:   parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		QueueRedisPrefix:   valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "training"),
		ReconcileGrace:     parseDuration(k.String("RECONCILE_GRACE"), "2m"),
		ReconcileSweep:     parseDuration(k.String("RECONCILE_SWEEP_INTERVAL"), "1m"),
		GatewayMinRequests: parseInt(k.String("CIRCUIT_GATEWAY_MIN_REQ"), 20),
		GatewayFailureRate: parseFloat(k.String("CIRCUIT_GATEWAY_FAILURE_RATE"), 0.5),
		GatewayOpenFor:     parseDuration(k.String("CIRCUIT_GATEWAY_OPEN_FOR"), "30s"),

		RateLimitQuotesPerMin: parseInt(k.String("RATE_LIMIT_QUOTES_PER_MIN"), 60),
		RateLimitBackend:      strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_BACKEND"), "sliding")),

		AMQPURL:      k.String("AMQP_URL"),
		AMQPExchange: valueOrDefault(k.String("AMQP_EXCHANGE"), "training.events"),

		NotifyEmailEnabled:       parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:          valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "bookings@training.local"),
		NotifyOpsEmail:           strings.TrimSpace(k.String("NOTIFY_OPS_EMAIL")),
		NotifyWebhookEndpoints:   strings.TrimSpace(k.String("NOTIFY_WEBHOOK_ENDPOINTS")),
		NotifyWebhookTimeout:     time.Duration(parseInt(k.String("NOTIFY_WEBHOOK_TIMEOUT_MS"), 5000)) * time.Millisecond,
		NotifyWebhookMaxAttempts: parseInt(k.String("NOTIFY_WEBHOOK_MAX_ATTEMPTS"), 6),

		CatalogCacheTTL: parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),

		AuditEnabled:      parseBoolDefault(k.String("AUDIT_ENABLED"), true),
		AuditSamplingRate: parseFloat(k.String("AUDIT_SAMPLING_RATE"), 1),

		OTLPEndpoint: strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.PaymentProvider {
	case "midtrans", "xendit", "omise":
	default:
		return fmt.Errorf("PAYMENT_PROVIDER %q is not supported", c.PaymentProvider)
	}
	switch c.RateLimitBackend {
	case "sliding", "fixed":
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND %q is not supported", c.RateLimitBackend)
	}
	if !c.CreditHourValue.IsPositive() {
		return errors.New("PRICING_CREDIT_HOUR_VALUE must be positive")
	}
	if c.MembershipDiscountPct.IsNegative() || c.MembershipDiscountPct.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("PRICING_MEMBERSHIP_DISCOUNT_PCT must be between 0 and 100")
	}
	return nil
}

// UsesMemoryStore reports whether the in-memory stores back the services.
func (c *Config) UsesMemoryStore() bool {
	return c.StoreDriver == StoreDriverMemory
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
		return strings.TrimSpace(value)
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
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
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
	if err != nil || f <= 0 || f > 1 {
		return fallback
	}
	return f
}

func parseDecimal(value, fallback string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
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
