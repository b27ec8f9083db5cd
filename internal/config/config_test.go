package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BindAddr != defaultBindAddr {
		t.Fatalf("expected default bind address %s, got %s", defaultBindAddr, cfg.BindAddr)
	}
	if cfg.MetricsAddr != defaultMetricsAddr {
		t.Fatalf("expected default metrics address %s, got %s", defaultMetricsAddr, cfg.MetricsAddr)
	}
	if cfg.IdleTimeout != defaultIdleSec*time.Second {
		t.Fatalf("expected default idle timeout %ds, got %s", defaultIdleSec, cfg.IdleTimeout)
	}
	if cfg.Dispatch.BaseRTO != time.Second || cfg.Dispatch.MaxRTO != 8*time.Second {
		t.Fatalf("unexpected retry window: %s/%s", cfg.Dispatch.BaseRTO, cfg.Dispatch.MaxRTO)
	}
	if cfg.Dispatch.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, cfg.Dispatch.MaxAttempts)
	}
	if cfg.AI.Backend != "none" {
		t.Fatalf("expected ai backend none, got %s", cfg.AI.Backend)
	}
	if cfg.AI.ContextDepth != defaultContext {
		t.Fatalf("expected context depth %d, got %d", defaultContext, cfg.AI.ContextDepth)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
bind_addr: "127.0.0.1:7001"
log_level: "debug"
key_dir: "/tmp/keys"
ai:
  backend: "ollama"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BIND_ADDR", ":6000")
	t.Setenv("IDLE_TIMEOUT_SEC", "30")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BindAddr != ":6000" {
		t.Fatalf("expected env override for bind address, got %s", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Fatalf("expected idle timeout 30s, got %s", cfg.IdleTimeout)
	}
	if cfg.KeyDir != "/tmp/keys" {
		t.Fatalf("expected key dir from file, got %s", cfg.KeyDir)
	}
	if cfg.AI.Backend != "ollama" {
		t.Fatalf("expected ai backend from file, got %s", cfg.AI.Backend)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("IDLE_TIMEOUT_SEC", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero idle timeout")
	}
	t.Setenv("IDLE_TIMEOUT_SEC", "600")

	t.Setenv("RTO_MAX_MS", "10")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for max rto below base")
	}
	t.Setenv("RTO_MAX_MS", "8000")

	t.Setenv("AI_BACKEND", "quantum")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown ai backend")
	}
}
