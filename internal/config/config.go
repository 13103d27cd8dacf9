package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	UseMemoryMode bool

	// Hold lifecycle
	HoldTTL            time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	PaymentTimeout     time.Duration
	PendingPaymentTTL  time.Duration
	IdleBookingTTL     time.Duration
	StoreRetryAttempts int
	StoreRetryDelay    time.Duration

	// Payments
	PaymentProviderURL   string
	PaymentProviderKey   string
	PaymentWebhookSecret string
	AllowFakePayments    bool
	DefaultCurrency      string

	// Reconciliation
	ReconcileMaxAttempts  int
	ReconcileBaseDelay    time.Duration
	OutboxInterval        time.Duration
	OutboxMaxAttempts     int
	IdempotencyTable      string
	PaymentResultQueueURL string

	// Redis
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	SlotLockTTL    time.Duration
	SlotCacheTTL   time.Duration
	UseRedisLocker bool

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Notifications
	SESFromEmail      string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	// HTTP
	AdminJWTSecret     string
	CORSAllowedOrigins []string
	HoldRateLimit      float64
	HoldRateBurst      int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		UseMemoryMode: getEnvAsBool("USE_MEMORY_MODE", false),

		HoldTTL:            getEnvAsDuration("HOLD_TTL", 10*time.Minute),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepBatchSize:     getEnvAsInt("SWEEP_BATCH_SIZE", 100),
		PaymentTimeout:     getEnvAsDuration("PAYMENT_TIMEOUT", 20*time.Second),
		PendingPaymentTTL:  getEnvAsDuration("PENDING_PAYMENT_TTL", 15*time.Minute),
		IdleBookingTTL:     getEnvAsDuration("IDLE_BOOKING_TTL", 30*time.Minute),
		StoreRetryAttempts: getEnvAsInt("STORE_RETRY_ATTEMPTS", 3),
		StoreRetryDelay:    getEnvAsDuration("STORE_RETRY_DELAY", 50*time.Millisecond),

		PaymentProviderURL:   getEnv("PAYMENT_PROVIDER_URL", ""),
		PaymentProviderKey:   getEnv("PAYMENT_PROVIDER_KEY", ""),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		AllowFakePayments:    getEnvAsBool("ALLOW_FAKE_PAYMENTS", false),
		DefaultCurrency:      strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),

		ReconcileMaxAttempts:  getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 4),
		ReconcileBaseDelay:    getEnvAsDuration("RECONCILE_BASE_DELAY", 100*time.Millisecond),
		OutboxInterval:        getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxMaxAttempts:     getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
		IdempotencyTable:      getEnv("IDEMPOTENCY_TABLE", ""),
		PaymentResultQueueURL: getEnv("PAYMENT_RESULT_QUEUE_URL", ""),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		SlotLockTTL:    getEnvAsDuration("SLOT_LOCK_TTL", 5*time.Second),
		SlotCacheTTL:   getEnvAsDuration("SLOT_CACHE_TTL", 5*time.Minute),
		UseRedisLocker: getEnvAsBool("USE_REDIS_LOCKER", true),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Scheduling"),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		HoldRateLimit:      getEnvAsFloat("HOLD_RATE_LIMIT", 5),
		HoldRateBurst:      getEnvAsInt("HOLD_RATE_BURST", 10),
	}
}

// MemoryMode reports whether stores should live in process memory.
func (c *Config) MemoryMode() bool {
	return c.UseMemoryMode || strings.TrimSpace(c.DatabaseURL) == ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
