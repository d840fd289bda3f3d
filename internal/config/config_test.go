package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Currency != "USD" {
		t.Errorf("Expected default currency USD, got %s", cfg.Currency)
	}
	if cfg.MaxTxCents != 50000 {
		t.Errorf("Expected default cap 50000, got %d", cfg.MaxTxCents)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("Expected default TTL 24h, got %s", cfg.IdempotencyTTL)
	}
	if cfg.DBDriver != DriverSQLite {
		t.Errorf("Expected default driver sqlite, got %s", cfg.DBDriver)
	}
	if cfg.ProviderConfigured() {
		t.Error("Provider must not be configured by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVICE_CURRENCY", "EUR")
	t.Setenv("MAX_TX_CENTS", "100000")
	t.Setenv("IDEMPOTENCY_TTL", "1h")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_SOURCE", "postgresql://localhost/ledger")
	t.Setenv("KAFKA_BROKERS", "localhost:9092, localhost:9093")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Currency != "EUR" || cfg.MaxTxCents != 100000 {
		t.Errorf("Overrides not applied: %+v", cfg)
	}
	if cfg.IdempotencyTTL != time.Hour {
		t.Errorf("Expected TTL 1h, got %s", cfg.IdempotencyTTL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "localhost:9093" {
		t.Errorf("Broker list not parsed: %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL", "tomorrow")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unparseable duration")
	}
}

func TestLoadRejectsBadInteger(t *testing.T) {
	t.Setenv("MAX_TX_CENTS", "fifty dollars")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unparseable integer")
	}
}
