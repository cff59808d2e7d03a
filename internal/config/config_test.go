package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, DefaultDataDir)
	}
	if !cfg.RestrictEgress {
		t.Error("RestrictEgress should default to on")
	}
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, defaultShutdownTimeout)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("K7_LISTEN", ":9000")
	t.Setenv("K7_EGRESS_RESTRICTION", "off")
	t.Setenv("K7_BEFORE_SCRIPT_TIMEOUT", "2m")
	t.Setenv("K7_RETENTION", "48h")
	t.Setenv("K7_CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Listen)
	}
	if cfg.RestrictEgress {
		t.Error("RestrictEgress should be off")
	}
	if cfg.ReadyTimeout != 2*time.Minute {
		t.Errorf("ReadyTimeout = %v, want 2m", cfg.ReadyTimeout)
	}
	if cfg.Retention != 48*time.Hour {
		t.Errorf("Retention = %v, want 48h", cfg.Retention)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.CORSOrigins) != len(want) {
		t.Fatalf("CORSOrigins = %v, want %v", cfg.CORSOrigins, want)
	}
	for i := range want {
		if cfg.CORSOrigins[i] != want[i] {
			t.Errorf("CORSOrigins[%d] = %q, want %q", i, cfg.CORSOrigins[i], want[i])
		}
	}
}

func TestLoadIgnoresMalformedDurations(t *testing.T) {
	t.Setenv("K7_SHUTDOWN_TIMEOUT", "not-a-duration")
	cfg := Load()
	if cfg.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want default after parse failure", cfg.ShutdownTimeout)
	}
}
