// Package config loads runtime settings from the environment. Every setting
// has a default suitable for local development, so an empty environment
// yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings for the core service.
type Config struct {
	RedisAddr   string // REDIS_ADDR
	NatsURL     string // NATS_URL
	PostgresDSN string // POSTGRES_DSN, empty disables the audit mirror
	MetricsAddr string // METRICS_ADDR

	ReportThreshold  int           // REPORT_THRESHOLD, reports that trigger a ban
	BanDuration      time.Duration // BAN_DURATION
	QueueEntryTTL    time.Duration // QUEUE_ENTRY_TTL, lazy expiry of waiting entries
	SessionRetention time.Duration // ENDED_SESSION_RETENTION

	// GatedCategories lists search categories that require filter access,
	// comma separated in GATED_CATEGORIES.
	GatedCategories []string
}

// Load reads configuration from the environment, falling back to defaults.
// It returns an error on malformed values rather than silently ignoring
// them.
func Load() (Config, error) {
	cfg := Config{
		RedisAddr:        "localhost:6379",
		NatsURL:          "nats://localhost:4222",
		PostgresDSN:      "",
		MetricsAddr:      ":9100",
		ReportThreshold:  5,
		BanDuration:      7 * 24 * time.Hour,
		QueueEntryTTL:    2 * time.Minute,
		SessionRetention: 1 * time.Hour,
		GatedCategories:  []string{"gender"},
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NatsURL = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	var err error
	if cfg.ReportThreshold, err = intEnv("REPORT_THRESHOLD", cfg.ReportThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BanDuration, err = durationEnv("BAN_DURATION", cfg.BanDuration); err != nil {
		return Config{}, err
	}
	if cfg.QueueEntryTTL, err = durationEnv("QUEUE_ENTRY_TTL", cfg.QueueEntryTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionRetention, err = durationEnv("ENDED_SESSION_RETENTION", cfg.SessionRetention); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("GATED_CATEGORIES"); v != "" {
		cfg.GatedCategories = cfg.GatedCategories[:0]
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.GatedCategories = append(cfg.GatedCategories, c)
			}
		}
	}

	if cfg.ReportThreshold < 1 {
		return Config{}, fmt.Errorf("config: REPORT_THRESHOLD must be >= 1, got %d", cfg.ReportThreshold)
	}
	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", key, d)
	}
	return d, nil
}
