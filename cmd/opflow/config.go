package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// memoryDBPath selects the in-process store instead of libSQL.
const memoryDBPath = ":memory:"

// Config holds all opflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	StepTimeout string `json:"step_timeout"`
	ListenAddr  string `json:"listen_addr"`
	HTTP        bool   `json:"http"`
	SystemAgent string `json:"system_agent"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(opflowDir(), "opflow.db"),
		LogLevel:    "info",
		PoolSize:    10,
		StepTimeout: "5m",
		ListenAddr:  ":4200",
		SystemAgent: "opflow",
	}
}

func opflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

func settingsPath() string {
	return filepath.Join(opflowDir(), "settings.json")
}

// loadConfig layers settings.json and env vars over the defaults. A
// malformed settings file is reported rather than silently ignored.
func loadConfig(settings string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settings); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settings, err)
		}
	}

	// Layer 3: env vars override.
	if v := getenv("OPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("OPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("OPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("OPFLOW_STEP_TIMEOUT"); v != "" {
		cfg.StepTimeout = v
	}
	if v := getenv("OPFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("OPFLOW_HTTP"); v != "" {
		cfg.HTTP = v == "true" || v == "1"
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if _, err := c.stepTimeout(); err != nil {
		return err
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}

// stepTimeout parses StepTimeout. Empty or "0" disables the default timeout.
func (c Config) stepTimeout() (time.Duration, error) {
	if c.StepTimeout == "" || c.StepTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StepTimeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid step_timeout %q", c.StepTimeout)
	}
	return d, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.StepTimeout != new.StepTimeout {
		d.RestartNeeded = append(d.RestartNeeded, "step_timeout")
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.HTTP != new.HTTP {
		d.RestartNeeded = append(d.RestartNeeded, "http")
	}
	if old.SystemAgent != new.SystemAgent {
		d.RestartNeeded = append(d.RestartNeeded, "system_agent")
	}
	return d
}
