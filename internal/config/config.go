package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Drivers accepted for DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port string
	Env  string

	// Fixed service parameters the ledger core consumes.
	Currency       string
	MaxTxCents     int64
	IdempotencyTTL time.Duration
	SweepInterval  time.Duration

	DBDriver string
	DBSource string

	ProviderBaseURL   string
	ProviderSecretKey string

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from the environment, after loading a local .env
// file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ttl, err := getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	sweep, err := getEnvDuration("IDEMPOTENCY_SWEEP_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	maxTx, err := getEnvInt64("MAX_TX_CENTS", 50000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnvString("SERVER_PORT", "8080"),
		Env:               getEnvString("ENVIRONMENT", "development"),
		Currency:          getEnvString("SERVICE_CURRENCY", "USD"),
		MaxTxCents:        maxTx,
		IdempotencyTTL:    ttl,
		SweepInterval:     sweep,
		DBDriver:          getEnvString("DB_DRIVER", DriverSQLite),
		DBSource:          getEnvString("DB_SOURCE", "payments.db"),
		ProviderBaseURL:   getEnvString("PROVIDER_BASE_URL", ""),
		ProviderSecretKey: getEnvString("PROVIDER_SECRET_KEY", ""),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS"),
		KafkaTopic:        getEnvString("KAFKA_TOPIC", "ledger_events"),
	}

	if cfg.DBDriver != DriverSQLite && cfg.DBDriver != DriverPostgres {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.MaxTxCents < 1 {
		return nil, fmt.Errorf("MAX_TX_CENTS must be positive, got %d", cfg.MaxTxCents)
	}
	return cfg, nil
}

// ProviderConfigured reports whether confirmed (non-simulated) deposits can
// be verified.
func (c *Config) ProviderConfigured() bool {
	return c.ProviderBaseURL != "" && c.ProviderSecretKey != ""
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %q (%w)", key, value, err)
		}
		return n, nil
	}
	return defaultValue, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
