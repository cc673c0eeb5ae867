package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/pulse/internal/retry"
)

// Config holds all pulse CLI configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Config struct {
	BaseURL              string        `yaml:"base_url"`
	LogLevel             string        `yaml:"log_level"`
	Token                string        `yaml:"token"`
	Reconnect            bool          `yaml:"reconnect"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectBackoff     string        `yaml:"reconnect_backoff"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	RelayAddr            string        `yaml:"relay_addr"`
	ValidatePayloads     bool          `yaml:"validate_payloads"`
}

func defaultConfig() Config {
	p := retry.DefaultPolicy()
	return Config{
		BaseURL:           "http://localhost:4200",
		LogLevel:          "info",
		ReconnectDelay:    p.Delay,
		ReconnectMaxDelay: p.MaxDelay,
		ReconnectBackoff:  p.Backoff,
		RelayAddr:         ":4200",
		ValidatePayloads:  true,
	}
}

func pulseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulse"
	}
	return filepath.Join(home, ".pulse")
}

func settingsPath() string {
	return filepath.Join(pulseDir(), "settings.yaml")
}

// loadConfig layers the settings file and the environment over the
// defaults. A missing settings file is not an error; an unreadable or
// malformed one is.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = settingsPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("PULSE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := getenv("PULSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PULSE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := getenv("PULSE_RECONNECT"); v != "" {
		cfg.Reconnect = v == "true" || v == "1"
	}
	if v := getenv("PULSE_RECONNECT_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PULSE_RECONNECT_DELAY: %w", err)
		}
		cfg.ReconnectDelay = d
	}
	if v := getenv("PULSE_RECONNECT_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PULSE_RECONNECT_MAX_DELAY: %w", err)
		}
		cfg.ReconnectMaxDelay = d
	}
	if v := getenv("PULSE_RECONNECT_BACKOFF"); v != "" {
		cfg.ReconnectBackoff = v
	}
	if v := getenv("PULSE_RECONNECT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PULSE_RECONNECT_MAX_ATTEMPTS: %w", err)
		}
		cfg.ReconnectMaxAttempts = n
	}
	if v := getenv("PULSE_RELAY_ADDR"); v != "" {
		cfg.RelayAddr = v
	}
	if v := getenv("PULSE_VALIDATE_PAYLOADS"); v != "" {
		cfg.ValidatePayloads = v == "true" || v == "1"
	}
	return nil
}

// retryPolicy converts the reconnect settings.
func (c Config) retryPolicy() retry.Policy {
	return retry.Policy{
		Backoff:     c.ReconnectBackoff,
		Delay:       c.ReconnectDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}

// validate checks the settings a watch session depends on.
func (c Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	return c.retryPolicy().Validate()
}

// saveConfig writes cfg as YAML, creating the directory if needed.
func saveConfig(path string, cfg Config) error {
	if path == "" {
		path = settingsPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
