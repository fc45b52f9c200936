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

// Store drivers understood by the composition root.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	StoreDriver        string
	RunMigrations      bool
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
	LockTTL            time.Duration
	LockRetryBackoff   time.Duration
	MaxBodyBytes       int64

	RateLimitProcessPerMinute int
	SecurityEnableHSTS        bool
	PaymentOrigins            []string

	QueuePrefix            string
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	WorkerJobSoftDeadline  time.Duration

	SessionNamespace    string
	SessionTimeout      time.Duration
	SessionFallbackSize int

	PaymentMaxAttempts    int
	PaymentIntentTTL      time.Duration
	PaymentPersistTimeout time.Duration
	AllowedCurrencies     []string

	GatewayAPIKey      string
	GatewayBusinessID  string
	GatewayBaseURL     string
	GatewayTimeout     time.Duration
	GatewayRedirectURL string
	GatewayNotifyURL   string

	CircuitMinRequests int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration

	WebhookSecret               string
	WebhookMaxBodyBytes         int64
	WebhookReprocessMaxAttempts int
	WebhookSweepInterval        time.Duration
	WebhookSweepGrace           time.Duration

	NativeSheetEnabled bool
	NativeSheetMethods []string

	RepoMaxRetries  int
	RepoRetryBase   time.Duration
	RepoRetryFactor float64

	NotifyEmailEnabled bool
	NotifyQueue        string
	NotifyMaxRetry     int
	HookTimeout        time.Duration
	WorkerConcurrency  int

	MerchantCallbackURL           string
	MerchantCallbackSecret        string
	MerchantCallbackTopics        []string
	MerchantCallbackTimeout       time.Duration
	MerchantCallbackReplayTTL     time.Duration
	MerchantCallbackMaxAttempts   int
	MerchantCallbackAllowInsecure bool

	SessionSweepInterval time.Duration

	AdminBasicAuthUser string
	AdminBasicAuthPass string
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
		StoreDriver:        strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), StoreDriverPostgres)),
		RunMigrations:      parseBool(k.String("RUN_MIGRATIONS")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		RateLimitPerMinute: parseInt(k.String("RATE_LIMIT_PER_MINUTE"), 120),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:   parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		MaxBodyBytes:       int64(parseInt(k.String("API_MAX_BODY_BYTES"), 64<<10)),

		RateLimitProcessPerMinute: parseInt(k.String("RATE_LIMIT_PROCESS_PER_MINUTE"), 10),
		SecurityEnableHSTS:        parseBool(k.String("SECURITY_ENABLE_HSTS")),
		PaymentOrigins:            splitAndTrim(k.String("PAYMENT_ORIGINS")),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "pay"),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
		QueueBackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		WorkerJobSoftDeadline:  parseDuration(k.String("WORKER_JOB_SOFT_DEADLINE"), "30s"),

		SessionNamespace:    valueOrDefault(k.String("SESSION_NAMESPACE"), "checkout_payment"),
		SessionTimeout:      parseDuration(k.String("SESSION_TIMEOUT"), "30m"),
		SessionFallbackSize: parseInt(k.String("SESSION_FALLBACK_SIZE"), 4096),

		PaymentMaxAttempts:    parseInt(k.String("PAYMENT_MAX_ATTEMPTS"), 3),
		PaymentIntentTTL:      parseDuration(k.String("PAYMENT_INTENT_TTL"), "30m"),
		PaymentPersistTimeout: parseDuration(k.String("PAYMENT_PERSIST_TIMEOUT"), "3s"),
		AllowedCurrencies:     upper(splitAndTrim(valueOrDefault(k.String("ALLOWED_CURRENCIES"), "USD,EUR,GBP,IDR"))),

		GatewayAPIKey:      strings.TrimSpace(k.String("GATEWAY_API_KEY")),
		GatewayBusinessID:  strings.TrimSpace(k.String("GATEWAY_BUSINESS_ID")),
		GatewayBaseURL:     valueOrDefault(k.String("GATEWAY_BASE_URL"), "https://api.hoodpay.io"),
		GatewayTimeout:     parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		GatewayRedirectURL: strings.TrimSpace(k.String("GATEWAY_REDIRECT_URL")),
		GatewayNotifyURL:   strings.TrimSpace(k.String("GATEWAY_NOTIFY_URL")),

		CircuitMinRequests: parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		WebhookSecret:               strings.TrimSpace(k.String("WEBHOOK_SECRET")),
		WebhookMaxBodyBytes:         int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
		WebhookReprocessMaxAttempts: parseInt(k.String("WEBHOOK_REPROCESS_MAX_ATTEMPTS"), 8),
		WebhookSweepInterval:        parseDuration(k.String("WEBHOOK_SWEEP_INTERVAL"), "1m"),
		WebhookSweepGrace:           parseDuration(k.String("WEBHOOK_SWEEP_GRACE"), "2m"),

		NativeSheetEnabled: parseBool(k.String("NATIVE_SHEET_ENABLED")),
		NativeSheetMethods: splitAndTrim(valueOrDefault(k.String("NATIVE_SHEET_METHODS"), "https://google.com/pay,https://apple.com/apple-pay")),

		RepoMaxRetries:  parseInt(k.String("REPO_MAX_RETRIES"), 3),
		RepoRetryBase:   parseDuration(k.String("REPO_RETRY_BASE"), "100ms"),
		RepoRetryFactor: parseFloat(k.String("REPO_RETRY_FACTOR"), 2),

		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyQueue:        valueOrDefault(k.String("NOTIFY_QUEUE"), "notify"),
		NotifyMaxRetry:     parseInt(k.String("NOTIFY_MAX_RETRY"), 5),
		HookTimeout:        parseDuration(k.String("HOOK_TIMEOUT"), "5s"),
		WorkerConcurrency:  parseInt(k.String("WORKER_CONCURRENCY"), 4),

		MerchantCallbackURL:           strings.TrimSpace(k.String("MERCHANT_CALLBACK_URL")),
		MerchantCallbackSecret:        strings.TrimSpace(k.String("MERCHANT_CALLBACK_SECRET")),
		MerchantCallbackTopics:        splitAndTrim(k.String("MERCHANT_CALLBACK_TOPICS")),
		MerchantCallbackTimeout:       parseDuration(k.String("MERCHANT_CALLBACK_TIMEOUT"), "5s"),
		MerchantCallbackReplayTTL:     parseDuration(k.String("MERCHANT_CALLBACK_REPLAY_TTL"), "24h"),
		MerchantCallbackMaxAttempts:   parseInt(k.String("MERCHANT_CALLBACK_MAX_ATTEMPTS"), 3),
		MerchantCallbackAllowInsecure: parseBool(k.String("MERCHANT_CALLBACK_ALLOW_INSECURE_TLS")),

		SessionSweepInterval: parseDuration(k.String("SESSION_SWEEP_INTERVAL"), "10m"),

		AdminBasicAuthUser: strings.TrimSpace(k.String("ADMIN_BASIC_AUTH_USER")),
		AdminBasicAuthPass: strings.TrimSpace(k.String("ADMIN_BASIC_AUTH_PASS")),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.PaymentMaxAttempts < 1 {
		return nil, errors.New("PAYMENT_MAX_ATTEMPTS must be positive")
	}
	if cfg.MerchantCallbackURL != "" && cfg.MerchantCallbackSecret == "" {
		return nil, errors.New("MERCHANT_CALLBACK_SECRET is required when MERCHANT_CALLBACK_URL is set")
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

// GatewayEnabled reports whether outbound gateway calls have credentials.
func (c *Config) GatewayEnabled() bool {
	return c.GatewayAPIKey != "" && c.GatewayBusinessID != ""
}

// MerchantTopics returns the callback topic filter, nil meaning every topic.
func (c *Config) MerchantTopics() map[string]bool {
	if len(c.MerchantCallbackTopics) == 0 {
		return nil
	}
	topics := make(map[string]bool, len(c.MerchantCallbackTopics))
	for _, t := range c.MerchantCallbackTopics {
		topics[strings.ToLower(t)] = true
	}
	return topics
}

// WebhookEnabled reports whether inbound notifications can be verified.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookSecret != ""
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

func upper(values []string) []string {
	for i, v := range values {
		values[i] = strings.ToUpper(v)
	}
	return values
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
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
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
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
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
