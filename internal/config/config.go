package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Port     string
	AppEnv   string
	LogLevel string

	// Webhook ingress configuration
	PublicBaseURL        string // Base of every store's callback URL; webhooks cannot be enabled without it
	WebhookPath          string
	SigningSecret        string // Deployment HMAC secret for the X-Storebot-Signature header
	RequireSignature     bool   // Hardened mode: reject requests no secret can verify
	ReplayWindow         time.Duration
	ClockSkew            time.Duration
	MaxBodyBytes         int64
	DeregisterOnShutdown bool
	AdminAPIToken        string

	// Dispatch retry
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Bot runtimes
	RestartCooldown     time.Duration
	PollTimeoutSeconds  int
	TelegramAPIEndpoint string
	ProviderTimeout     time.Duration

	// Rate limiter and spam filter
	RateLimitPerMinute  int
	RateLimitBurst      int
	SpamRepeatThreshold int
	SpamWindow          time.Duration
	SpamBlockDuration   time.Duration
	CleanupInterval     time.Duration

	// Duplicate delivery suppression; Redis is used when RedisURL is set
	DedupeWindow time.Duration
	RedisURL     string

	// Tracing is enabled when OTelEndpoint is set
	OTelEndpoint    string
	OTelHeaders     string
	ServiceName     string
	SnowflakeNodeID int64

	// ClickHouse configuration
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	UseMockDB bool
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}
	var err error

	config.Port = getEnv("PORT", "8080")
	config.AppEnv = getEnv("APP_ENV", "development")
	config.LogLevel = os.Getenv("LOG_LEVEL")

	// Admin API token (required)
	config.AdminAPIToken = os.Getenv("ADMIN_API_TOKEN")
	if config.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}

	config.PublicBaseURL = strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")
	if config.PublicBaseURL != "" {
		u, err := url.Parse(config.PublicBaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid PUBLIC_BASE_URL: %s", config.PublicBaseURL)
		}
		if u.Scheme != "https" {
			return nil, fmt.Errorf("PUBLIC_BASE_URL must use https, Telegram refuses plain http webhooks")
		}
	}
	config.WebhookPath = getEnv("WEBHOOK_PATH", "/telegram-webhook")

	// Signature verification
	config.SigningSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")
	if config.RequireSignature, err = getBool("WEBHOOK_REQUIRE_SIGNATURE", false); err != nil {
		return nil, err
	}
	if config.RequireSignature && config.SigningSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SIGNING_SECRET is required when WEBHOOK_REQUIRE_SIGNATURE is true")
	}
	if config.ReplayWindow, err = getDuration("WEBHOOK_REPLAY_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.ClockSkew, err = getDuration("WEBHOOK_CLOCK_SKEW", 30*time.Second); err != nil {
		return nil, err
	}
	maxBody, err := getInt("WEBHOOK_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	config.MaxBodyBytes = int64(maxBody)
	if config.DeregisterOnShutdown, err = getBool("WEBHOOK_DEREGISTER_ON_SHUTDOWN", true); err != nil {
		return nil, err
	}

	// Retry policy
	if config.RetryMaxAttempts, err = getInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if config.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if config.RetryBaseDelay, err = getDuration("RETRY_BASE_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if config.RetryMaxDelay, err = getDuration("RETRY_MAX_DELAY", 10*time.Second); err != nil {
		return nil, err
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		return nil, fmt.Errorf("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}

	// Bot runtimes
	if config.RestartCooldown, err = getDuration("RESTART_COOLDOWN", 2*time.Second); err != nil {
		return nil, err
	}
	if config.PollTimeoutSeconds, err = getInt("POLL_TIMEOUT_SECONDS", 60); err != nil {
		return nil, err
	}
	config.TelegramAPIEndpoint = os.Getenv("TELEGRAM_API_ENDPOINT")
	pollTimeout := time.Duration(config.PollTimeoutSeconds) * time.Second
	if config.ProviderTimeout, err = getDuration("PROVIDER_TIMEOUT", pollTimeout+10*time.Second); err != nil {
		return nil, err
	}
	if config.ProviderTimeout <= pollTimeout {
		return nil, fmt.Errorf("PROVIDER_TIMEOUT must exceed POLL_TIMEOUT_SECONDS")
	}

	// Rate limiting
	if config.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if config.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if config.SpamRepeatThreshold, err = getInt("SPAM_REPEAT_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if config.RateLimitPerMinute < 0 || config.RateLimitBurst < 0 || config.SpamRepeatThreshold < 0 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MINUTE, RATE_LIMIT_BURST and SPAM_REPEAT_THRESHOLD must not be negative")
	}
	if config.SpamWindow, err = getDuration("SPAM_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if config.SpamBlockDuration, err = getDuration("SPAM_BLOCK_DURATION", 10*time.Minute); err != nil {
		return nil, err
	}
	if config.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	// Dedupe
	if config.DedupeWindow, err = getDuration("DEDUPE_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	config.RedisURL = os.Getenv("REDIS_URL")

	// Observability
	config.OTelEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	config.OTelHeaders = os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	config.ServiceName = getEnv("OTEL_SERVICE_NAME", "storebot")
	nodeID, err := getInt("SNOWFLAKE_NODE_ID", 1)
	if err != nil {
		return nil, err
	}
	config.SnowflakeNodeID = int64(nodeID)

	// Use Mock DB (default: false)
	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true"

	// ClickHouse configuration (required if not using mock)
	if !config.UseMockDB {
		config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
		if config.ClickHouseHost == "" {
			return nil, fmt.Errorf("CLICKHOUSE_HOST is required when USE_MOCK_DB is not set")
		}

		if config.ClickHousePort, err = getInt("CLICKHOUSE_PORT", 9000); err != nil {
			return nil, err
		}
		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	return config, nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return v, nil
}
