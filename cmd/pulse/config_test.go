package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.ValidatePayloads)
	assert.False(t, cfg.Reconnect)
	require.NoError(t, cfg.validate())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://api.example.com
log_level: debug
reconnect: true
reconnect_delay: 250ms
reconnect_backoff: linear
validate_payloads: false
`), 0o600))

	cfg, err := loadConfig(path, envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Reconnect)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, "linear", cfg.ReconnectBackoff)
	assert.False(t, cfg.ValidatePayloads)
	// Untouched fields keep their defaults.
	assert.Equal(t, ":4200", cfg.RelayAddr)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)

	cfg, err = loadConfig(path, envOf(map[string]string{
		"PULSE_BASE_URL":               "http://localhost:9000",
		"PULSE_TOKEN":                  "s3cret",
		"PULSE_RECONNECT":              "0",
		"PULSE_RECONNECT_DELAY":        "2s",
		"PULSE_RECONNECT_MAX_ATTEMPTS": "4",
		"PULSE_VALIDATE_PAYLOADS":      "1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, "s3cret", cfg.Token)
	assert.False(t, cfg.Reconnect)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 4, cfg.retryPolicy().MaxAttempts)
	assert.True(t, cfg.ValidatePayloads)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("base_url: [unclosed"), 0o600))
	_, err := loadConfig(bad, envOf(nil))
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"), envOf(map[string]string{"PULSE_RECONNECT_DELAY": "soon"}))
	assert.ErrorContains(t, err, "PULSE_RECONNECT_DELAY")

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"), envOf(map[string]string{"PULSE_RECONNECT_MAX_ATTEMPTS": "many"}))
	assert.ErrorContains(t, err, "PULSE_RECONNECT_MAX_ATTEMPTS")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	want := defaultConfig()
	want.Token = "abc"
	want.ReconnectMaxAttempts = 3

	require.NoError(t, saveConfig(path, want))
	got, err := loadConfig(path, envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig()
	cfg.BaseURL = "localhost:4200"
	assert.Error(t, cfg.validate())

	cfg = defaultConfig()
	cfg.ReconnectBackoff = "random"
	assert.Error(t, cfg.validate())
}
