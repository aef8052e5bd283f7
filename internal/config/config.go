// Package config loads runner configuration from the environment,
// optionally backed by a .env file, in the manner of a typical composition
// root's config package.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config is the runner's top-level configuration.
type Config struct {
	RunsDir   string // root directory under which per-run working directories are created
	ImagesDir string // shared base-image cache directory
	Arch      string // target QEMU architecture: amd64 or arm64

	// MaxImageCacheSize bounds the shared base-image cache, e.g. "200GB".
	// Parsed with datasize.ByteSize rather than a raw integer so operators
	// can write it the way they'd write any other size-valued setting.
	MaxImageCacheSize datasize.ByteSize

	AgentConnectRetries int
	AgentConnectDelayMS int
	BootProbeRetries    int
	BootProbeIntervalMS int

	LogLevel string
}

// Load reads configuration from the environment, loading a .env file first
// if one is present in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	var maxImageCacheSize datasize.ByteSize
	_ = maxImageCacheSize.UnmarshalText([]byte(getEnv("INTAR_MAX_IMAGE_CACHE_SIZE", "200GB")))

	return &Config{
		RunsDir:   getEnv("INTAR_RUNS_DIR", "/var/lib/intar/runs"),
		ImagesDir: getEnv("INTAR_IMAGES_DIR", "/var/lib/intar/images"),
		Arch:      getEnv("INTAR_ARCH", defaultArch()),

		MaxImageCacheSize: maxImageCacheSize,

		AgentConnectRetries: getEnvInt("INTAR_AGENT_CONNECT_RETRIES", 120),
		AgentConnectDelayMS: getEnvInt("INTAR_AGENT_CONNECT_DELAY_MS", 5000),
		BootProbeRetries:    getEnvInt("INTAR_BOOT_PROBE_RETRIES", 60),
		BootProbeIntervalMS: getEnvInt("INTAR_BOOT_PROBE_INTERVAL_MS", 5000),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.RunsDir == "" {
		return fmt.Errorf("INTAR_RUNS_DIR must not be empty")
	}
	if c.ImagesDir == "" {
		return fmt.Errorf("INTAR_IMAGES_DIR must not be empty")
	}
	if c.Arch != "amd64" && c.Arch != "arm64" {
		return fmt.Errorf("INTAR_ARCH must be amd64 or arm64, got %q", c.Arch)
	}
	if c.AgentConnectRetries < 1 {
		return fmt.Errorf("INTAR_AGENT_CONNECT_RETRIES must be >= 1, got %d", c.AgentConnectRetries)
	}
	if c.BootProbeRetries < 1 {
		return fmt.Errorf("INTAR_BOOT_PROBE_RETRIES must be >= 1, got %d", c.BootProbeRetries)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func defaultArch() string {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64"
	default:
		return "amd64"
	}
}
