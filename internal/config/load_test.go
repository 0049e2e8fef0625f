package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.API.ReadURL)
	assert.Equal(t, "http://localhost:8000", cfg.API.WriteURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout())
	assert.False(t, cfg.API.TrustProxyEnv)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, "output", cfg.App.OutputDir)
	assert.True(t, cfg.App.NonInteractive)
	assert.Equal(t, "halt", cfg.App.OnEscalate)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
api:
  read_url: http://data.internal:9000/
  write_url: http://writer.internal:9000
  token: secret-token
  timeout_seconds: 10
app:
  output_dir: /tmp/bt-out
  on_escalate: skip
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Trailing slash is trimmed so URL joining stays predictable.
	assert.Equal(t, "http://data.internal:9000", cfg.API.ReadURL)
	assert.Equal(t, "secret-token", cfg.API.Token)
	assert.Equal(t, 10, cfg.API.TimeoutSeconds)
	assert.Equal(t, "/tmp/bt-out", cfg.App.OutputDir)
	assert.Equal(t, "skip", cfg.App.OnEscalate)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
api:
  read_url: http://from-file:9000
  timeout_seconds: 10
`)

	t.Setenv("BACKTEST_API_READ_URL", "http://from-env:9000")
	t.Setenv("BACKTEST_API_TIMEOUT_SECONDS", "5")
	t.Setenv("BACKTEST_APP_ON_ESCALATE", "RETRY")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:9000", cfg.API.ReadURL)
	assert.Equal(t, 5, cfg.API.TimeoutSeconds)
	assert.Equal(t, "retry", cfg.App.OnEscalate)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad escalation action", func(t *testing.T) {
		t.Setenv("BACKTEST_APP_ON_ESCALATE", "explode")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("non-positive timeout", func(t *testing.T) {
		t.Setenv("BACKTEST_API_TIMEOUT_SECONDS", "0")
		_, err := Load("")
		assert.Error(t, err)
	})
}
