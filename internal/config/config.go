package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBSource     string `yaml:"db_source"`
	Port         string `yaml:"port"`
	Env          string `yaml:"environment"`
	LogLevel     string `yaml:"log_level"`
	StoreBackend string `yaml:"store_backend"`

	TargetClass  string `yaml:"target_class"`
	MaxRiskScore int    `yaml:"max_risk_score"`

	ClientSecret    string        `yaml:"client_hmac_secret"`
	WebhookSecret   string        `yaml:"webhook_hmac_secret"`
	FreshnessWindow time.Duration `yaml:"auth_freshness_window"`
	JWTSecret       string        `yaml:"jwt_secret"`

	IdempotencyBackend       string        `yaml:"idempotency_backend"`
	RedisAddr                string        `yaml:"redis_addr"`
	IdempotencyTTL           time.Duration `yaml:"idempotency_ttl"`
	IdempotencySweepInterval time.Duration `yaml:"idempotency_sweep_interval"`
	StrictFingerprint        bool          `yaml:"idempotency_strict_fingerprint"`

	RetryInitialDelay  time.Duration `yaml:"retry_initial_delay"`
	RetryMultiplier    float64       `yaml:"retry_multiplier"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts   int           `yaml:"retry_max_attempts"`
	RetrySweepInterval time.Duration `yaml:"retry_sweep_interval"`
	RetryBatchSize     int           `yaml:"retry_batch_size"`

	LedgerBackend    string        `yaml:"ledger_backend"`
	LedgerRPCURL     string        `yaml:"ledger_rpc_url"`
	LedgerContract   string        `yaml:"ledger_contract"`
	LedgerPrivateKey string        `yaml:"ledger_private_key"`
	LedgerTimeout    time.Duration `yaml:"ledger_timeout"`

	WebhookRateLimit float64 `yaml:"webhook_rate_limit"`
	WebhookRateBurst int     `yaml:"webhook_rate_burst"`
}

func defaults() *Config {
	return &Config{
		Port:                     "8080",
		Env:                      "development",
		LogLevel:                 "info",
		StoreBackend:             "postgres",
		TargetClass:              "US",
		MaxRiskScore:             50,
		FreshnessWindow:          5 * time.Minute,
		IdempotencyBackend:       "store",
		IdempotencyTTL:           24 * time.Hour,
		IdempotencySweepInterval: time.Minute,
		RetryInitialDelay:        time.Second,
		RetryMultiplier:          2,
		RetryMaxDelay:            30 * time.Second,
		RetryMaxAttempts:         5,
		RetrySweepInterval:       5 * time.Second,
		RetryBatchSize:           50,
		LedgerBackend:            "evm",
		LedgerTimeout:            10 * time.Second,
		WebhookRateLimit:         50,
		WebhookRateBurst:         100,
	}
}

// Load builds the configuration from an optional YAML file overlaid by environment variables.
// An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str(&c.DBSource, "DB_SOURCE")
	str(&c.Port, "SERVER_PORT")
	str(&c.Env, "ENVIRONMENT")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.StoreBackend, "STORE_BACKEND")
	str(&c.TargetClass, "TARGET_CLASS")
	str(&c.ClientSecret, "CLIENT_HMAC_SECRET")
	str(&c.WebhookSecret, "WEBHOOK_HMAC_SECRET")
	str(&c.JWTSecret, "JWT_SECRET")
	str(&c.IdempotencyBackend, "IDEMPOTENCY_BACKEND")
	str(&c.RedisAddr, "REDIS_ADDR")
	str(&c.LedgerBackend, "LEDGER_BACKEND")
	str(&c.LedgerRPCURL, "LEDGER_RPC_URL")
	str(&c.LedgerContract, "LEDGER_CONTRACT")
	str(&c.LedgerPrivateKey, "LEDGER_PRIVATE_KEY")

	for _, f := range []func() error{
		func() error { return integer(&c.MaxRiskScore, "MAX_RISK_SCORE") },
		func() error { return integer(&c.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS") },
		func() error { return integer(&c.RetryBatchSize, "RETRY_BATCH_SIZE") },
		func() error { return integer(&c.WebhookRateBurst, "WEBHOOK_RATE_BURST") },
		func() error { return float(&c.RetryMultiplier, "RETRY_MULTIPLIER") },
		func() error { return float(&c.WebhookRateLimit, "WEBHOOK_RATE_LIMIT") },
		func() error { return duration(&c.FreshnessWindow, "AUTH_FRESHNESS_WINDOW") },
		func() error { return duration(&c.IdempotencyTTL, "IDEMPOTENCY_TTL") },
		func() error { return duration(&c.IdempotencySweepInterval, "IDEMPOTENCY_SWEEP_INTERVAL") },
		func() error { return duration(&c.RetryInitialDelay, "RETRY_INITIAL_DELAY") },
		func() error { return duration(&c.RetryMaxDelay, "RETRY_MAX_DELAY") },
		func() error { return duration(&c.RetrySweepInterval, "RETRY_SWEEP_INTERVAL") },
		func() error { return duration(&c.LedgerTimeout, "LEDGER_TIMEOUT") },
		func() error { return boolean(&c.StrictFingerprint, "IDEMPOTENCY_STRICT_FINGERPRINT") },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.ClientSecret == "" || c.WebhookSecret == "" {
		return fmt.Errorf("CLIENT_HMAC_SECRET and WEBHOOK_HMAC_SECRET are required")
	}
	if c.ClientSecret == c.WebhookSecret {
		return fmt.Errorf("client and webhook channels must use distinct secrets")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.TargetClass == "" {
		return fmt.Errorf("TARGET_CLASS is required")
	}
	if c.MaxRiskScore < 0 || c.MaxRiskScore > 100 {
		return fmt.Errorf("MAX_RISK_SCORE must be between 0 and 100")
	}

	switch c.IdempotencyBackend {
	case "store":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend)
	}

	switch c.LedgerBackend {
	case "evm":
		if c.LedgerRPCURL == "" || c.LedgerContract == "" || c.LedgerPrivateKey == "" {
			return fmt.Errorf("LEDGER_RPC_URL, LEDGER_CONTRACT and LEDGER_PRIVATE_KEY are required for the evm ledger")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	for name, d := range map[string]time.Duration{
		"AUTH_FRESHNESS_WINDOW":      c.FreshnessWindow,
		"IDEMPOTENCY_TTL":            c.IdempotencyTTL,
		"IDEMPOTENCY_SWEEP_INTERVAL": c.IdempotencySweepInterval,
		"RETRY_INITIAL_DELAY":        c.RetryInitialDelay,
		"RETRY_MAX_DELAY":            c.RetryMaxDelay,
		"RETRY_SWEEP_INTERVAL":       c.RetrySweepInterval,
		"LEDGER_TIMEOUT":             c.LedgerTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be below RETRY_INITIAL_DELAY")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}
	if c.RetryMaxAttempts < 1 || c.RetryBatchSize < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS and RETRY_BATCH_SIZE must be at least 1")
	}
	if c.WebhookRateLimit <= 0 || c.WebhookRateBurst < 1 {
		return fmt.Errorf("webhook rate limit must be positive")
	}
	return nil
}

// Development reports whether the service runs in a local development environment.
func (c *Config) Development() bool {
	return c.Env == "development"
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func integer(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func float(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func duration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func boolean(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
