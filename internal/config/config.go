// Package config loads swarmlink's YAML configuration with environment
// overrides and normalization. The config file lives under the swarmlink
// home directory (default ~/.swarmlink, overridable via SWARMLINK_HOME).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GateConfig tunes the per-target concurrency gate.
type GateConfig struct {
	Limit                 int `yaml:"limit"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`
}

// JobsConfig tunes the durable job store.
type JobsConfig struct {
	Dir               string `yaml:"dir"`
	RetentionDays     int    `yaml:"retention_days"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes"`
}

// BackoffConfig tunes retry backoff for exchange flows.
type BackoffConfig struct {
	BaseMs int `yaml:"base_ms"`
	MaxMs  int `yaml:"max_ms"`
}

// OrchestratorConfig tunes flow supervision.
type OrchestratorConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// QueueConfig sets the default per-key notification queue behavior.
type QueueConfig struct {
	Mode          string `yaml:"mode"`        // "individual" or "collect"
	DebounceMs    int    `yaml:"debounce_ms"`
	Cap           int    `yaml:"cap"`
	DropPolicy    string `yaml:"drop_policy"` // "drop-new", "drop-old", "summarize"
	MaxAgeMinutes int    `yaml:"max_age_minutes"`
}

// ReaperConfig sets the maintenance sweep cadence. Schedules use cron
// expressions ("*/5 * * * *") or @every syntax.
type ReaperConfig struct {
	Enabled              bool   `yaml:"enabled"`
	StaleSweepSchedule   string `yaml:"stale_sweep_schedule"`
	CleanupSchedule      string `yaml:"cleanup_schedule"`
	ArchiveRetentionDays int    `yaml:"archive_retention_days"`
}

// PersistenceConfig tunes the SQLite audit layer.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// OtelConfig mirrors the telemetry provider settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Gate         GateConfig         `yaml:"gate"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Queue        QueueConfig        `yaml:"queue"`
	Reaper       ReaperConfig       `yaml:"reaper"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Otel         OtelConfig         `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gate: GateConfig{
			Limit:                 3,
			AcquireTimeoutSeconds: 30,
		},
		Jobs: JobsConfig{
			RetentionDays:     7,
			StaleAfterMinutes: 30,
		},
		Backoff: BackoffConfig{
			BaseMs: int((2 * time.Second).Milliseconds()),
			MaxMs:  int((60 * time.Second).Milliseconds()),
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts: 4,
		},
		Queue: QueueConfig{
			Mode:          "collect",
			DebounceMs:    2000,
			Cap:           20,
			DropPolicy:    "summarize",
			MaxAgeMinutes: 10,
		},
		Reaper: ReaperConfig{
			Enabled:              true,
			StaleSweepSchedule:   "@every 5m",
			CleanupSchedule:      "@every 1h",
			ArchiveRetentionDays: 90,
		},
		Persistence: PersistenceConfig{
			Enabled: true,
		},
	}
}

// HomeDir returns the swarmlink home directory.
func HomeDir() string {
	if override := os.Getenv("SWARMLINK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmlink")
}

// ConfigPath returns the config file path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the swarmlink home, applies environment
// overrides, and normalizes the result. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create swarmlink home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gate.Limit <= 0 {
		cfg.Gate.Limit = 3
	}
	if cfg.Gate.AcquireTimeoutSeconds <= 0 {
		cfg.Gate.AcquireTimeoutSeconds = 30
	}
	if cfg.Jobs.Dir == "" {
		cfg.Jobs.Dir = filepath.Join(cfg.HomeDir, "jobs")
	}
	if cfg.Jobs.RetentionDays <= 0 {
		cfg.Jobs.RetentionDays = 7
	}
	if cfg.Jobs.StaleAfterMinutes <= 0 {
		cfg.Jobs.StaleAfterMinutes = 30
	}
	if cfg.Backoff.BaseMs <= 0 {
		cfg.Backoff.BaseMs = 2000
	}
	if cfg.Backoff.MaxMs < cfg.Backoff.BaseMs {
		cfg.Backoff.MaxMs = 60000
	}
	if cfg.Orchestrator.MaxAttempts <= 0 {
		cfg.Orchestrator.MaxAttempts = 4
	}
	if cfg.Queue.Mode == "" {
		cfg.Queue.Mode = "collect"
	}
	if cfg.Queue.DebounceMs <= 0 {
		cfg.Queue.DebounceMs = 2000
	}
	if cfg.Queue.Cap <= 0 {
		cfg.Queue.Cap = 20
	}
	if cfg.Queue.DropPolicy == "" {
		cfg.Queue.DropPolicy = "summarize"
	}
	if cfg.Queue.MaxAgeMinutes <= 0 {
		cfg.Queue.MaxAgeMinutes = 10
	}
	if cfg.Reaper.StaleSweepSchedule == "" {
		cfg.Reaper.StaleSweepSchedule = "@every 5m"
	}
	if cfg.Reaper.CleanupSchedule == "" {
		cfg.Reaper.CleanupSchedule = "@every 1h"
	}
	if cfg.Reaper.ArchiveRetentionDays <= 0 {
		cfg.Reaper.ArchiveRetentionDays = 90
	}
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = filepath.Join(cfg.HomeDir, "swarmlink.db")
	}
}

func validate(cfg *Config) error {
	switch cfg.Queue.Mode {
	case "individual", "collect":
	default:
		return fmt.Errorf("queue.mode %q is not one of individual, collect", cfg.Queue.Mode)
	}
	switch cfg.Queue.DropPolicy {
	case "drop-new", "drop-old", "summarize":
	default:
		return fmt.Errorf("queue.drop_policy %q is not one of drop-new, drop-old, summarize", cfg.Queue.DropPolicy)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SWARMLINK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SWARMLINK_GATE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gate.Limit = v
		}
	}
	if raw := os.Getenv("SWARMLINK_JOBS_DIR"); raw != "" {
		cfg.Jobs.Dir = raw
	}
	if raw := os.Getenv("SWARMLINK_DB_PATH"); raw != "" {
		cfg.Persistence.DBPath = raw
	}
	if raw := os.Getenv("SWARMLINK_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
		cfg.Otel.Enabled = true
	}
}

// Fingerprint returns a stable hash of the settings that require component
// restarts when changed. Reload logic compares fingerprints to decide
// whether a file change actually matters.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "gate=%d/%d|jobs=%s/%d/%d|queue=%s/%d/%d/%s/%d|log=%s",
		c.Gate.Limit, c.Gate.AcquireTimeoutSeconds,
		c.Jobs.Dir, c.Jobs.RetentionDays, c.Jobs.StaleAfterMinutes,
		c.Queue.Mode, c.Queue.DebounceMs, c.Queue.Cap, c.Queue.DropPolicy, c.Queue.MaxAgeMinutes,
		c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
