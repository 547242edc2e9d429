package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
	if cfg.ReturnWindowDays != 7 {
		t.Fatalf("expected 7 day return window, got %d", cfg.ReturnWindowDays)
	}
	if cfg.ReturnShippingFeeCents != 3000 {
		t.Fatalf("expected default return fee 3000, got %d", cfg.ReturnShippingFeeCents)
	}
	if cfg.KafkaTopic != "fulfillment-events" {
		t.Fatalf("unexpected kafka topic %s", cfg.KafkaTopic)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RETURN_WINDOW_DAYS", "14")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9092")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port override, got %s", cfg.Port)
	}
	if cfg.ReturnWindowDays != 14 {
		t.Fatalf("expected window override, got %d", cfg.ReturnWindowDays)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "broker-b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsGarbageNumbers(t *testing.T) {
	t.Setenv("RETURN_WINDOW_DAYS", "zero")
	t.Setenv("RETURN_SWEEP_SECONDS", "-5")

	cfg := Load()
	if cfg.ReturnWindowDays != 7 {
		t.Fatalf("expected fallback window 7, got %d", cfg.ReturnWindowDays)
	}
	if cfg.ReturnSweepSeconds != 300 {
		t.Fatalf("expected fallback sweep 300, got %d", cfg.ReturnSweepSeconds)
	}
}
