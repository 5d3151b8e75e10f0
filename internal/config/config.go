// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads agrosync settings from a YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteMode selects how the remote store is reached.
type RemoteMode string

const (
	ModeREST     RemoteMode = "rest"
	ModePostgres RemoteMode = "postgres"
)

// Config holds every setting of a sync session.
type Config struct {
	Remote   RemoteConfig  `yaml:"remote"`
	Local    LocalConfig   `yaml:"local"`
	Sync     SyncConfig    `yaml:"sync"`
	Probe    ProbeConfig   `yaml:"probe"`
	Logging  LoggingConfig `yaml:"logging"`
	TimeZone string        `yaml:"time_zone"` // IANA name used to bucket measurements by day
}

// RemoteConfig describes the remote store.
type RemoteConfig struct {
	Mode        RemoteMode    `yaml:"mode"`
	URL         string        `yaml:"url"`     // PostgREST base URL
	APIKey      string        `yaml:"api_key"` // sent as apikey and, without a secret, as bearer
	JWTSecret   string        `yaml:"jwt_secret"`
	Role        string        `yaml:"role"`
	DatabaseURL string        `yaml:"database_url"` // postgres mode
	Schema      string        `yaml:"schema"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LocalConfig describes the on-device store.
type LocalConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PageSize    int           `yaml:"page_size"`
	Concurrency int           `yaml:"concurrency"`
	Interval    time.Duration `yaml:"interval"`
	BackoffMin  time.Duration `yaml:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	LedgerTTL   time.Duration `yaml:"ledger_ttl"`
}

// ProbeConfig configures the connectivity probe. An empty URL means the
// device is assumed online.
type ProbeConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			Mode:    ModeREST,
			Role:    "authenticated",
			Schema:  "public",
			Timeout: 30 * time.Second,
		},
		Local: LocalConfig{
			SQLitePath: "agrosync.db",
		},
		Sync: SyncConfig{
			PageSize:    1000,
			Concurrency: 4,
			Interval:    30 * time.Second,
			BackoffMin:  1 * time.Second,
			BackoffMax:  60 * time.Second,
			LedgerTTL:   1 * time.Second,
		},
		Probe: ProbeConfig{
			Interval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		TimeZone: "Local",
	}
}

// Load reads path over the defaults and then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from AGROSYNC_* variables.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("AGROSYNC_REMOTE_URL", &cfg.Remote.URL)
	str("AGROSYNC_API_KEY", &cfg.Remote.APIKey)
	str("AGROSYNC_JWT_SECRET", &cfg.Remote.JWTSecret)
	str("AGROSYNC_DATABASE_URL", &cfg.Remote.DatabaseURL)
	str("AGROSYNC_SQLITE_PATH", &cfg.Local.SQLitePath)
	str("AGROSYNC_LOG_LEVEL", &cfg.Logging.Level)
	str("AGROSYNC_PROBE_URL", &cfg.Probe.URL)
	str("AGROSYNC_TIME_ZONE", &cfg.TimeZone)
	if v, ok := lookup("AGROSYNC_REMOTE_MODE"); ok && v != "" {
		cfg.Remote.Mode = RemoteMode(v)
	}
	if v, ok := lookup("AGROSYNC_PAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGROSYNC_PAGE_SIZE %q: %w", v, err)
		}
		cfg.Sync.PageSize = n
	}
	if v, ok := lookup("AGROSYNC_SYNC_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid AGROSYNC_SYNC_INTERVAL %q: %w", v, err)
		}
		cfg.Sync.Interval = d
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Remote.Mode {
	case ModeREST:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required in rest mode")
		}
	case ModePostgres:
		if c.Remote.DatabaseURL == "" {
			return fmt.Errorf("remote.database_url is required in postgres mode")
		}
	default:
		return fmt.Errorf("invalid remote mode: %s (must be rest or postgres)", c.Remote.Mode)
	}
	if c.Local.SQLitePath == "" {
		return fmt.Errorf("local.sqlite_path is required")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		return fmt.Errorf("sync backoff must satisfy 0 < backoff_min <= backoff_max")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}
