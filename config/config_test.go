package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/execgate/config"
)

const key = "8f1c2d3e4f5a69788796a5b4c3d2e1f00112233445566778899aabbccddeeff0"

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EXECGATE_VAULT_KEY", key)
	path := writeYAML(t, "venue:\n  simulation: true\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.AutoMigrate())
	assert.True(t, cfg.LiveRequiresCertificate())
	assert.Equal(t, 10, cfg.Orchestrator.PoolSize)
	assert.Equal(t, 6, cfg.Orchestrator.ErrorAfter)
	assert.Equal(t, 10*time.Minute, cfg.QueueRetention())
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffMin())
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, []string{"api-key-pair"}, cfg.Orchestrator.RequiredCredentials)
	assert.Equal(t, key, cfg.Vault.MasterKey)
}

func TestLoad_YAMLValuesAndExplicitFalse(t *testing.T) {
	t.Setenv("EXECGATE_VAULT_KEY", key)
	path := writeYAML(t, `
storage:
  driver: postgres
  dsn: postgres://localhost/execgate
  auto_migrate: false
worker:
  submit_timeout_seconds: 3
  live_requires_certificate: false
orchestrator:
  pool_size: 4
  unhealthy_after: 2
  error_after: 5
venue:
  base_url: https://broker.example.com
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.False(t, cfg.AutoMigrate())
	assert.False(t, cfg.LiveRequiresCertificate())
	assert.Equal(t, 3*time.Second, cfg.SubmitTimeout())
	assert.Equal(t, 4, cfg.Orchestrator.PoolSize)
	assert.Equal(t, 5, cfg.Orchestrator.ErrorAfter)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("EXECGATE_VAULT_KEY", key)
	t.Setenv("EXECGATE_POOL_SIZE", "25")
	t.Setenv("EXECGATE_SIMULATION", "true")
	t.Setenv("LOG_LEVEL", "debug")
	path := writeYAML(t, "orchestrator:\n  pool_size: 4\nlog:\n  level: warn\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Orchestrator.PoolSize)
	assert.True(t, cfg.Venue.Simulation)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown driver":              "storage:\n  driver: mysql\nvenue:\n  simulation: true\n",
		"live without url":            "venue:\n  simulation: false\n",
		"unknown credential":          "venue:\n  simulation: true\norchestrator:\n  required_credentials: [password]\n",
		"lease shorter than a submit": "venue:\n  simulation: true\nworker:\n  lease_ttl_seconds: 20\n  submit_timeout_seconds: 10\n  request_timeout_seconds: 5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("EXECGATE_VAULT_KEY", key)
			_, err := config.Load(writeYAML(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingVaultKey(t *testing.T) {
	t.Setenv("EXECGATE_VAULT_KEY", "")
	_, err := config.Load(writeYAML(t, "venue:\n  simulation: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECGATE_VAULT_KEY")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
