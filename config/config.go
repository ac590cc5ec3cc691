// Package config loads isopod configuration from YAML with environment
// variable overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits constrain each sandboxed worker.
type Limits struct {
	CPULimit       float64 `yaml:"cpu_limit"`
	MemLimitMB     int     `yaml:"mem_limit_mb"`
	PidsLimit      int     `yaml:"pids_limit"`
	NetworkMode    string  `yaml:"network_mode"`
	ReadonlyRootfs bool    `yaml:"readonly_rootfs"`
}

// PoolConfig controls the per-dependency-key warm pool.
type PoolConfig struct {
	MaxWorkersPerKey    int            `yaml:"max_workers_per_key"`
	MaxWorkerJobs       int            `yaml:"max_worker_jobs"`
	MaxWorkerAgeSeconds int            `yaml:"max_worker_age_seconds"`
	IdleTTLSeconds      int            `yaml:"idle_ttl_seconds"`
	SweepSeconds        int            `yaml:"sweep_seconds"`
	Prewarm             map[string]int `yaml:"prewarm"` // comma-joined dependency specs -> warm count
}

type Config struct {
	Backend          string     `yaml:"backend"` // "auto" or "docker"
	WorkerImage      string     `yaml:"worker_image"`
	InstallCommand   []string   `yaml:"install_command"`
	DBPath           string     `yaml:"db_path"`
	DefaultTimeoutMs int        `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int        `yaml:"max_timeout_ms"`
	SpawnWaitMs      int        `yaml:"spawn_wait_ms"` // worker readiness budget
	Limits           Limits     `yaml:"limits"`
	Pool             PoolConfig `yaml:"pool"`
}

// DefaultTimeout returns the default per-call budget as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// MaxTimeout returns the ceiling a caller-supplied budget is clamped to.
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMs) * time.Millisecond
}

// MaxWorkerAge returns the rotation-by-age threshold.
func (c *Config) MaxWorkerAge() time.Duration {
	return time.Duration(c.Pool.MaxWorkerAgeSeconds) * time.Second
}

// IdleTTL returns how long an idle worker may sit unused before the
// sweeper retires it.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Pool.IdleTTLSeconds) * time.Second
}

// SweepInterval returns the background sweeper period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Pool.SweepSeconds) * time.Second
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:          "auto",
		WorkerImage:      "isopod-runtime:base",
		InstallCommand:   []string{"/usr/local/bin/isopod-install"},
		DBPath:           "./isopod.db",
		DefaultTimeoutMs: 30000,
		MaxTimeoutMs:     300000,
		SpawnWaitMs:      10000,
		Limits: Limits{
			CPULimit:       1.0,
			MemLimitMB:     512,
			PidsLimit:      256,
			NetworkMode:    "none",
			ReadonlyRootfs: true,
		},
		Pool: PoolConfig{
			MaxWorkersPerKey:    4,
			MaxWorkerJobs:       100,
			MaxWorkerAgeSeconds: 1800,
			IdleTTLSeconds:      600,
			SweepSeconds:        30,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ISOPOD_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("ISOPOD_WORKER_IMAGE"); v != "" {
		cfg.WorkerImage = v
	}
	if v := os.Getenv("ISOPOD_INSTALL_COMMAND"); v != "" {
		cfg.InstallCommand = strings.Fields(v)
	}
	if v := os.Getenv("ISOPOD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ISOPOD_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTimeoutMs = n
		}
	}
	if v := os.Getenv("ISOPOD_MAX_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTimeoutMs = n
		}
	}
	if v := os.Getenv("ISOPOD_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPULimit = f
		}
	}
	if v := os.Getenv("ISOPOD_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MemLimitMB = n
		}
	}
	if v := os.Getenv("ISOPOD_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.PidsLimit = n
		}
	}
	if v := os.Getenv("ISOPOD_NETWORK_MODE"); v != "" {
		cfg.Limits.NetworkMode = v
	}
	if v := os.Getenv("ISOPOD_READONLY_ROOTFS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Limits.ReadonlyRootfs = b
		}
	}
	if v := os.Getenv("ISOPOD_MAX_WORKERS_PER_KEY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxWorkersPerKey = n
		}
	}
	if v := os.Getenv("ISOPOD_MAX_WORKER_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxWorkerJobs = n
		}
	}
	if v := os.Getenv("ISOPOD_MAX_WORKER_AGE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxWorkerAgeSeconds = n
		}
	}
	if v := os.Getenv("ISOPOD_IDLE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.IdleTTLSeconds = n
		}
	}
	if v := os.Getenv("ISOPOD_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.SweepSeconds = n
		}
	}
}
