package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("redis addr = %q", cfg.RedisAddr)
	}
	if cfg.ReportThreshold != 5 {
		t.Errorf("report threshold = %d, want 5", cfg.ReportThreshold)
	}
	if cfg.BanDuration != 7*24*time.Hour {
		t.Errorf("ban duration = %s, want 168h", cfg.BanDuration)
	}
	if len(cfg.GatedCategories) != 1 || cfg.GatedCategories[0] != "gender" {
		t.Errorf("gated categories = %v", cfg.GatedCategories)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REPORT_THRESHOLD", "3")
	t.Setenv("BAN_DURATION", "24h")
	t.Setenv("QUEUE_ENTRY_TTL", "30s")
	t.Setenv("GATED_CATEGORIES", "gender, premium")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" {
		t.Errorf("redis addr = %q", cfg.RedisAddr)
	}
	if cfg.ReportThreshold != 3 {
		t.Errorf("report threshold = %d", cfg.ReportThreshold)
	}
	if cfg.BanDuration != 24*time.Hour {
		t.Errorf("ban duration = %s", cfg.BanDuration)
	}
	if cfg.QueueEntryTTL != 30*time.Second {
		t.Errorf("queue entry ttl = %s", cfg.QueueEntryTTL)
	}
	if len(cfg.GatedCategories) != 2 || cfg.GatedCategories[1] != "premium" {
		t.Errorf("gated categories = %v", cfg.GatedCategories)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("REPORT_THRESHOLD", "many")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-integer threshold")
	}

	t.Setenv("REPORT_THRESHOLD", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero threshold")
	}

	t.Setenv("REPORT_THRESHOLD", "5")
	t.Setenv("BAN_DURATION", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
