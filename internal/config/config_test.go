package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.QueuePollInterval)
	assert.Equal(t, 10*time.Minute, cfg.RecoverInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.StaleThreshold)
	assert.Equal(t, 288, cfg.MetricsRingSize)
	assert.Equal(t, 30, cfg.EvidenceRetentionDays)
	assert.False(t, cfg.DispatchRefusalCountsRetry)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("ALLOWED_CIDRS", "192.168.0.0/16")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, []string{"192.168.0.0/16"}, cfg.AllowedCIDRs)
}

func TestLoadWorkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	data := `workers:
  - endpoint: http://worker-1:8081
    capacity: 2
    providers: [mfn, osn]
  - endpoint: http://worker-2:8081
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	defs, err := LoadWorkers(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "http://worker-1:8081", defs[0].Endpoint)
	assert.Equal(t, []string{"mfn", "osn"}, defs[0].Providers)
	// capacity defaults to 1 when unset
	assert.Equal(t, 1, defs[1].Capacity)
}

func TestLoadWorkersMissingEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  - capacity: 2\n"), 0o600))
	_, err := LoadWorkers(path)
	require.Error(t, err)
}

func TestLoadWorkersMissingFile(t *testing.T) {
	_, err := LoadWorkers("/nonexistent/workers.yaml")
	require.Error(t, err)
}
