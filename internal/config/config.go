// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Ledger settings. LedgerPath is the SQLite file; ":memory:" keeps
	// the log ephemeral.
	LedgerPath string

	// Cache settings. An empty RedisURL selects the in-process cache.
	RedisURL   string
	StaleGrace time.Duration

	// Resolver settings.
	TierTimeout time.Duration
	DatasetTTL  time.Duration
	APITTL      time.Duration

	// API provider settings. An empty base URL disables the api tier.
	APIProviderName string
	APIBaseURL      string
	APITimeout      time.Duration
	APIRateRPS      float64
	APIRateBurst    int

	// Rule table path (YAML). Empty disables the rule tier.
	RuleTablePath string

	// Mode controller settings.
	ModePollInterval time.Duration

	// Negotiation settings.
	NegotiationSweepInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		LedgerPath:               envStr("AGRIMIND_LEDGER_PATH", "agrimind-ledger.db"),
		RedisURL:                 envStr("REDIS_URL", ""),
		StaleGrace:               envDuration("AGRIMIND_CACHE_STALE_GRACE", time.Hour),
		TierTimeout:              envDuration("AGRIMIND_TIER_TIMEOUT", 2*time.Second),
		DatasetTTL:               envDuration("AGRIMIND_DATASET_TTL", 6*time.Hour),
		APITTL:                   envDuration("AGRIMIND_API_TTL", 10*time.Minute),
		APIProviderName:          envStr("AGRIMIND_API_PROVIDER", "openweather"),
		APIBaseURL:               envStr("AGRIMIND_API_BASE_URL", ""),
		APITimeout:               envDuration("AGRIMIND_API_TIMEOUT", 5*time.Second),
		APIRateRPS:               envFloat("AGRIMIND_API_RATE_RPS", 10),
		APIRateBurst:             envInt("AGRIMIND_API_RATE_BURST", 20),
		RuleTablePath:            envStr("AGRIMIND_RULE_TABLE", ""),
		ModePollInterval:         envDuration("AGRIMIND_MODE_POLL_INTERVAL", 30*time.Second),
		NegotiationSweepInterval: envDuration("AGRIMIND_NEGOTIATION_SWEEP_INTERVAL", 15*time.Second),
		OTELEndpoint:             envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:             envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:              envStr("OTEL_SERVICE_NAME", "agrimind"),
		LogLevel:                 envStr("AGRIMIND_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.LedgerPath == "" {
		return fmt.Errorf("config: AGRIMIND_LEDGER_PATH is required")
	}
	if c.TierTimeout <= 0 {
		return fmt.Errorf("config: AGRIMIND_TIER_TIMEOUT must be positive")
	}
	if c.DatasetTTL <= 0 || c.APITTL <= 0 {
		return fmt.Errorf("config: cache TTLs must be positive")
	}
	if c.APIRateRPS <= 0 || c.APIRateBurst <= 0 {
		return fmt.Errorf("config: API rate limit settings must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
