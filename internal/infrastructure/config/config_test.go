package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8400", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Bus config
	assert.Equal(t, 10*time.Second, cfg.Bus.CallTimeout)

	// Blob config
	assert.Equal(t, 30*time.Second, cfg.Blob.TTL)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 100, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, "8400", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":             "9400",
		"HOST":             "127.0.0.1",
		"BUS_CALL_TIMEOUT": "3s",
		"BLOB_TTL":         "5s",
		"LOG_LEVEL":        "debug",
		"LOG_DEV":          "true",
		"RATE_LIMIT_RPS":   "10",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9400", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3*time.Second, cfg.Bus.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Blob.TTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerSecond)
}

func TestLoadFileOverlaysEnvironment(t *testing.T) {
	t.Setenv("PORT", "9400")
	t.Setenv("LOG_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "relayd.yaml")
	file := `
server:
  port: "7500"
rate_limit:
  requests_per_second: 5
  burst: 10
`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	// File wins where it speaks.
	assert.Equal(t, "7500", cfg.Server.Port)
	assert.Equal(t, 5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	// Environment survives where the file is silent.
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
