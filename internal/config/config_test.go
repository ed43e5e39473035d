package config

import (
	"testing"
	"time"
)

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PUBLISH_MAX_ATTEMPTS", "9")
	t.Setenv("ENABLE_TELEMETRY", "true")
	t.Setenv("PUBLISH_INITIAL_BACKOFF", "2s")

	cfg := Default()
	if err := Load(cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}

	if cfg.PublishMaxAttempts != 9 {
		t.Fatalf("PublishMaxAttempts = %d, want 9", cfg.PublishMaxAttempts)
	}

	if !cfg.EnableTelemetry {
		t.Fatalf("EnableTelemetry should be true")
	}

	if cfg.PublishInitialBackoff != 2*time.Second {
		t.Fatalf("PublishInitialBackoff = %v, want 2s", cfg.PublishInitialBackoff)
	}
}

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	if cfg.PublishMaxAttempts != 5 {
		t.Fatalf("default publish attempts should be 5 per spec")
	}

	if cfg.PublishTotalWaitMax != 120*time.Second {
		t.Fatalf("default total wait max should be 120s per spec")
	}
}
