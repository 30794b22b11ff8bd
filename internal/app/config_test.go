package app

import (
	"testing"
	"time"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %s", cfg.MetricsAddr)
	}
	if cfg.GRPCHealthAddr != ":50051" {
		t.Errorf("expected GRPCHealthAddr :50051, got %s", cfg.GRPCHealthAddr)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Errorf("expected StorageDriver %s, got %s", StorageDriverMemory, cfg.StorageDriver)
	}
	if cfg.Broker != BrokerMemory {
		t.Errorf("expected Broker %s, got %s", BrokerMemory, cfg.Broker)
	}
	if !cfg.PostgresAutoMigrate {
		t.Error("expected PostgresAutoMigrate to be true")
	}
	if cfg.RedisAddr != "" {
		t.Error("expected distributed lock to be disabled by default")
	}
	if cfg.ReservationTimeout != 5*time.Minute {
		t.Errorf("expected ReservationTimeout 5m, got %s", cfg.ReservationTimeout)
	}
	if cfg.TimeoutScanInterval <= 0 {
		t.Error("expected TimeoutScanInterval to be > 0")
	}
	if cfg.ShutdownTimeout <= 0 {
		t.Error("expected ShutdownTimeout to be > 0")
	}
	if cfg.KafkaGroup == "" {
		t.Error("expected default kafka consumer group")
	}
}
