// Package config implements the orchestrator's two-layer configuration.
//
// The outer layer, Config, is a teacher-style mutable YAML file under the
// home directory, hot-reloadable via Watcher: operational knobs reasonable
// to change in a long-lived daemon (log level, retention windows, bind
// address). The inner layer, Settings, is built once from the environment
// at startup and held immutable for the process lifetime; nothing in the
// orchestration core re-reads the environment after Load runs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the outer, hot-reloadable operational layer.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	BindAddr  string `yaml:"bind_addr"`
	QuietMode bool   `yaml:"quiet_mode"`

	// DrainTimeoutSeconds bounds graceful shutdown: how long the daemon waits
	// for in-flight sandboxes to report a terminal status before exiting.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention windows for the cron sweep (0 = no retention, keep forever).
	RetentionIdempotencyHours int `yaml:"retention_idempotency_hours"`
	RetentionAuditLogDays     int `yaml:"retention_audit_log_days"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:                  "info",
		BindAddr:                  "127.0.0.1:18790",
		DrainTimeoutSeconds:       5,
		RetentionIdempotencyHours: 24,
		RetentionAuditLogDays:     365,
		HeartbeatIntervalMinutes:  30,
	}
}

// HomeDir returns the orchestrator's home directory, honoring
// CHAPERONE_HOME and falling back to ~/.chaperone.
func HomeDir() string {
	if override := os.Getenv("CHAPERONE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chaperone")
}

// Load reads the outer config layer, applying env overrides and defaults.
// A missing config.yaml is not an error: defaults apply and the file is
// created lazily by the first Save.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.HeartbeatIntervalMinutes <= 0 {
		cfg.HeartbeatIntervalMinutes = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHAPERONE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHAPERONE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CHAPERONE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CHAPERONE_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMinutes = v
		}
	}
}

// Fingerprint returns a stable hash of the active outer config, useful for
// logging "config changed" without dumping every field.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|bind=%s|drain=%d|heartbeat=%d|retain_idem=%d|retain_audit=%d",
		c.LogLevel, c.BindAddr, c.DrainTimeoutSeconds, c.HeartbeatIntervalMinutes,
		c.RetentionIdempotencyHours, c.RetentionAuditLogDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes cfg back to config.yaml, preserving nothing it doesn't itself
// track (the outer layer has no user-authored comments to round-trip).
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
