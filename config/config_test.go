package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, "isopod-runtime:base", cfg.WorkerImage)
	assert.Equal(t, "./isopod.db", cfg.DBPath)
	assert.Equal(t, 30000, cfg.DefaultTimeoutMs)
	assert.Equal(t, 1.0, cfg.Limits.CPULimit)
	assert.Equal(t, 512, cfg.Limits.MemLimitMB)
	assert.Equal(t, 256, cfg.Limits.PidsLimit)
	assert.Equal(t, "none", cfg.Limits.NetworkMode)
	assert.True(t, cfg.Limits.ReadonlyRootfs)
	assert.Equal(t, 4, cfg.Pool.MaxWorkersPerKey)
	assert.Equal(t, 100, cfg.Pool.MaxWorkerJobs)
	assert.Equal(t, 1800, cfg.Pool.MaxWorkerAgeSeconds)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
backend: "docker"
worker_image: "isopod-runtime:py311"
default_timeout_ms: 60000
limits:
  cpu_limit: 2.0
  mem_limit_mb: 1024
pool:
  max_workers_per_key: 8
  max_worker_jobs: 50
  prewarm:
    "numpy,pandas": 2
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "docker", cfg.Backend)
	assert.Equal(t, "isopod-runtime:py311", cfg.WorkerImage)
	assert.Equal(t, 60000, cfg.DefaultTimeoutMs)
	assert.Equal(t, 2.0, cfg.Limits.CPULimit)
	assert.Equal(t, 1024, cfg.Limits.MemLimitMB)
	assert.Equal(t, 8, cfg.Pool.MaxWorkersPerKey)
	assert.Equal(t, 50, cfg.Pool.MaxWorkerJobs)
	assert.Equal(t, 2, cfg.Pool.Prewarm["numpy,pandas"])
}

func TestLoadYAMLMissingFile(t *testing.T) {
	// Non-existent file is not an error; defaults apply.
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Backend)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ISOPOD_WORKER_IMAGE", "isopod-runtime:env")
	t.Setenv("ISOPOD_MAX_WORKERS_PER_KEY", "2")
	t.Setenv("ISOPOD_MAX_WORKER_JOBS", "10")
	t.Setenv("ISOPOD_READONLY_ROOTFS", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "isopod-runtime:env", cfg.WorkerImage)
	assert.Equal(t, 2, cfg.Pool.MaxWorkersPerKey)
	assert.Equal(t, 10, cfg.Pool.MaxWorkerJobs)
	assert.False(t, cfg.Limits.ReadonlyRootfs)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.DefaultTimeout().Milliseconds(), int64(cfg.DefaultTimeoutMs))
	assert.Equal(t, cfg.MaxWorkerAge().Seconds(), float64(cfg.Pool.MaxWorkerAgeSeconds))
}
