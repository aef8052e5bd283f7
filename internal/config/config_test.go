package config

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"INTAR_RUNS_DIR", "INTAR_IMAGES_DIR", "INTAR_ARCH",
		"INTAR_MAX_IMAGE_CACHE_SIZE", "INTAR_AGENT_CONNECT_RETRIES",
		"INTAR_AGENT_CONNECT_DELAY_MS", "INTAR_BOOT_PROBE_RETRIES",
		"INTAR_BOOT_PROBE_INTERVAL_MS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "/var/lib/intar/runs", cfg.RunsDir)
	assert.Equal(t, "/var/lib/intar/images", cfg.ImagesDir)
	assert.Equal(t, 200*datasize.GB, cfg.MaxImageCacheSize)
	assert.Equal(t, 120, cfg.AgentConnectRetries)
	assert.Equal(t, 60, cfg.BootProbeRetries)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ReadsEnvOverrides(t *testing.T) {
	t.Setenv("INTAR_RUNS_DIR", "/tmp/runs")
	t.Setenv("INTAR_ARCH", "arm64")
	t.Setenv("INTAR_MAX_IMAGE_CACHE_SIZE", "5GB")
	t.Setenv("INTAR_AGENT_CONNECT_RETRIES", "7")

	cfg := Load()

	assert.Equal(t, "/tmp/runs", cfg.RunsDir)
	assert.Equal(t, "arm64", cfg.Arch)
	assert.Equal(t, 5*datasize.GB, cfg.MaxImageCacheSize)
	assert.Equal(t, 7, cfg.AgentConnectRetries)
}

func TestValidate_RejectsEmptyRunsDir(t *testing.T) {
	cfg := &Config{ImagesDir: "/tmp/images", Arch: "amd64", AgentConnectRetries: 1, BootProbeRetries: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTAR_RUNS_DIR")
}

func TestValidate_RejectsUnknownArch(t *testing.T) {
	cfg := &Config{RunsDir: "/tmp/runs", ImagesDir: "/tmp/images", Arch: "riscv64", AgentConnectRetries: 1, BootProbeRetries: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTAR_ARCH")
}

func TestValidate_RejectsNonPositiveRetryBudgets(t *testing.T) {
	cfg := &Config{RunsDir: "/tmp/runs", ImagesDir: "/tmp/images", Arch: "amd64", AgentConnectRetries: 0, BootProbeRetries: 1}
	require.Error(t, cfg.Validate())

	cfg = &Config{RunsDir: "/tmp/runs", ImagesDir: "/tmp/images", Arch: "amd64", AgentConnectRetries: 1, BootProbeRetries: 0}
	require.Error(t, cfg.Validate())
}
