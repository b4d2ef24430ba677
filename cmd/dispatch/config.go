package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

type Config struct {
	Defaults Defaults       `json:"defaults"`
	Registry RegistryConfig `json:"registry"`
}

type Defaults struct {
	IdleTimeoutMs   int      `json:"idle_timeout_ms"`
	HardTimeoutMs   int      `json:"hard_timeout_ms"`
	WarningMarginMs int      `json:"warning_margin_ms"`
	GraceMs         int      `json:"grace_ms"`
	MaxParallel     int      `json:"max_parallel"`
	ProgressTickMs  int      `json:"progress_tick_ms"`
	EnvPolicy       string   `json:"env_policy"`
	EnvAllowlist    []string `json:"env_allowlist"`
	WriteRetry      int      `json:"write_retry"`
	WriteBackoffMs  int      `json:"write_backoff_ms"`
}

type RegistryConfig struct {
	Path            string `json:"path"`
	PruneAfterDays  int    `json:"prune_after_days"`
	PruneIntervalMs int    `json:"prune_interval_ms"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadConfigOrEmpty(path string) (Config, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}

const (
	defaultIdleTimeoutMs   = 120000
	defaultHardTimeoutMs   = 1800000
	defaultWarningMarginMs = 30000
	defaultGraceMs         = 5000
	defaultMaxParallel     = 2
	defaultProgressTickMs  = 30000
	defaultWriteRetry      = 3
	defaultWriteBackoffMs  = 500
	defaultPruneAfterDays  = 30
	defaultPruneIntervalMs = 3600000
)

func normalizeDefaults(d Defaults) Defaults {
	if d.IdleTimeoutMs <= 0 {
		d.IdleTimeoutMs = defaultIdleTimeoutMs
	}
	if d.HardTimeoutMs <= d.IdleTimeoutMs {
		d.HardTimeoutMs = defaultHardTimeoutMs
	}
	if d.HardTimeoutMs <= d.IdleTimeoutMs {
		// A shrunken hard budget still has to outlast the idle budget.
		d.HardTimeoutMs = d.IdleTimeoutMs * 2
	}
	if d.WarningMarginMs <= 0 {
		d.WarningMarginMs = defaultWarningMarginMs
	}
	if d.GraceMs <= 0 {
		d.GraceMs = defaultGraceMs
	}
	if d.MaxParallel <= 0 {
		d.MaxParallel = defaultMaxParallel
	}
	if d.ProgressTickMs <= 0 {
		d.ProgressTickMs = defaultProgressTickMs
	}
	if d.EnvPolicy == "" {
		d.EnvPolicy = string(EnvInheritNone)
	}
	if d.WriteRetry <= 0 {
		d.WriteRetry = defaultWriteRetry
	}
	if d.WriteBackoffMs <= 0 {
		d.WriteBackoffMs = defaultWriteBackoffMs
	}
	return d
}

func normalizeRegistry(r RegistryConfig) RegistryConfig {
	if r.Path == "" {
		r.Path = filepath.Join(baseDir(), "tasks.db")
	}
	if r.PruneAfterDays <= 0 {
		r.PruneAfterDays = defaultPruneAfterDays
	}
	if r.PruneIntervalMs <= 0 {
		r.PruneIntervalMs = defaultPruneIntervalMs
	}
	return r
}

func baseDir() string {
	return getenv("DISPATCH_HOME", filepath.Join(os.Getenv("HOME"), ".dispatch-kit"))
}

func resolveConfigPath(explicit string) string {
	if p := firstNonEmpty(explicit, os.Getenv("DISPATCH_CONFIG")); p != "" {
		return p
	}
	cwd, err := os.Getwd()
	if err == nil {
		local := filepath.Join(cwd, ".dispatch-kit", "dispatch.json")
		if pathExists(local) {
			return local
		}
	}
	return filepath.Join(os.Getenv("HOME"), ".dispatch-kit", "dispatch.json")
}
