package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/chaperone/internal/config"
)

func TestLoadAppliesDefaultsWhenConfigMissing(t *testing.T) {
	t.Setenv("CHAPERONE_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DrainTimeoutSeconds != 5 {
		t.Errorf("DrainTimeoutSeconds = %d, want 5", cfg.DrainTimeoutSeconds)
	}
}

func TestLoadReadsExistingConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHAPERONE_HOME", home)

	body := "log_level: debug\nbind_addr: 0.0.0.0:9999\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Errorf("BindAddr = %q, want 0.0.0.0:9999", cfg.BindAddr)
	}
}

func TestLoadEnvOverridesFileValue(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHAPERONE_HOME", home)
	t.Setenv("CHAPERONE_LOG_LEVEL", "warn")

	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (env override)", cfg.LogLevel)
	}
}

func TestFingerprintStableForIdenticalConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHAPERONE_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("Fingerprint() differs across identical loads: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
}

func TestSaveRoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHAPERONE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.LogLevel = "error"

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := config.Load()
	if err != nil {
		t.Fatalf("Load() after Save error = %v", err)
	}
	if reloaded.LogLevel != "error" {
		t.Errorf("reloaded LogLevel = %q, want error", reloaded.LogLevel)
	}
}
