// Package config holds environment-based configuration for civic-sync.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opencivic/civic-sync/internal/store"
)

// Config holds all environment-based configuration for civic-sync.
type Config struct {
	// Base URL of the sync backend, e.g. https://sync.example.org.
	// Required.
	ServerURL string `env:"SERVER_URL"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Path of the bbolt state database. Defaults to
	// ~/.civic-sync/state.db.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Path of the session file the signed-in account is read from.
	// Defaults to ~/.civic-sync/session.json.
	SessionPath string `env:"SESSION_PATH"`

	// Listen address of the localhost control API.
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8600"`

	// Optional YAML file whose values seed the persisted sync settings
	// on first run. Ignored once settings exist in the state database.
	SyncDefaultsFile string `env:"SYNC_DEFAULTS_FILE"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing server endpoints to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "civic-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.applyPathDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyPathDefaults fills StateDBPath and SessionPath from the home
// directory and resolves all paths to absolute form.
func (c *Config) applyPathDefaults() error {
	if c.StateDBPath == "" || c.SessionPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory: %w", err)
		}

		if c.StateDBPath == "" {
			c.StateDBPath = filepath.Join(home, ".civic-sync", "state.db")
		}

		if c.SessionPath == "" {
			c.SessionPath = filepath.Join(home, ".civic-sync", "session.json")
		}
	}

	for _, p := range []*string{&c.StateDBPath, &c.SessionPath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving path %q: %w", *p, err)
		}

		*p = abs
	}

	return nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("SERVER_URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("SERVER_URL has no host")
	}

	if c.ControlListenAddr == "" {
		return fmt.Errorf("CONTROL_LISTEN_ADDR must not be empty")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// syncDefaults mirrors the YAML defaults file. Every field is optional;
// absent fields keep the built-in default.
type syncDefaults struct {
	Enabled          *bool `yaml:"enabled"`
	AutoSync         *bool `yaml:"auto_sync"`
	FrequencyMinutes *int  `yaml:"frequency_minutes"`
	WifiOnly         *bool `yaml:"wifi_only"`
}

// SyncDefaults returns the settings to seed the state database with on
// first run: the built-in defaults overlaid with the YAML defaults
// file, when one is configured.
func (c *Config) SyncDefaults() (store.Settings, error) {
	defaults := store.DefaultSettings()

	if c.SyncDefaultsFile == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(c.SyncDefaultsFile)
	if err != nil {
		return defaults, fmt.Errorf("reading sync defaults file: %w", err)
	}

	var overlay syncDefaults
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return defaults, fmt.Errorf("parsing sync defaults file: %w", err)
	}

	if overlay.Enabled != nil {
		defaults.Enabled = *overlay.Enabled
	}

	if overlay.AutoSync != nil {
		defaults.AutoSync = *overlay.AutoSync
	}

	if overlay.FrequencyMinutes != nil {
		if *overlay.FrequencyMinutes < 1 {
			return defaults, fmt.Errorf("sync defaults file: frequency_minutes must be at least 1, got %d", *overlay.FrequencyMinutes)
		}

		defaults.FrequencyMinutes = *overlay.FrequencyMinutes
	}

	if overlay.WifiOnly != nil {
		defaults.WifiOnly = *overlay.WifiOnly
	}

	return defaults, nil
}
