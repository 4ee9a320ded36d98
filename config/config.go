// Package config loads the configuration of a trial
// participant from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/unixpickle/trialsearch/coordinator"
	"github.com/unixpickle/trialsearch/redisdist"
)

// Backends for DistConfig.Backend.
const (
	BackendSolo  = "solo"
	BackendRedis = "redis"
)

// Config is the full configuration of a participant.
type Config struct {
	Master   coordinator.Config `yaml:"master" env:"MASTER"`
	Trial    TrialConfig        `yaml:"trial" env:"TRIAL"`
	Dist     DistConfig         `yaml:"dist" env:"DIST"`
	Ops      OpsConfig          `yaml:"ops" env:"OPS"`
	Progress ProgressConfig     `yaml:"progress" env:"PROGRESS"`
	Log      LogConfig          `yaml:"log" env:"LOG"`
	Metrics  MetricsConfig      `yaml:"metrics" env:"METRICS"`
}

// TrialConfig identifies the trial being trained.
type TrialConfig struct {
	TrialID      int    `yaml:"trial_id" env:"TRIAL_ID"`
	RunID        int    `yaml:"run_id" env:"RUN_ID"`
	AllocationID string `yaml:"allocation_id" env:"ALLOCATION_ID"`

	// ExperimentConfig is the path of the experiment's
	// YAML configuration, which determines the units.
	ExperimentConfig string `yaml:"experiment_config" env:"EXPERIMENT_CONFIG"`
}

// DistConfig describes the participant's place in the
// distributed job.
type DistConfig struct {
	Rank    int              `yaml:"rank" env:"RANK"`
	Size    int              `yaml:"size" env:"SIZE"`
	Backend string           `yaml:"backend" env:"BACKEND"`
	Redis   redisdist.Config `yaml:"redis" env:"REDIS"`
}

// OpsConfig controls how ops are iterated.
type OpsConfig struct {
	ChiefOnly bool `yaml:"chief_only" env:"CHIEF_ONLY"`
	AutoAck   bool `yaml:"auto_ack" env:"AUTO_ACK"`

	// DryRun replaces the master with an offline searcher
	// that hands out a single op of DryRunLength.
	DryRun       bool   `yaml:"dry_run" env:"DRY_RUN"`
	DryRunLength uint64 `yaml:"dry_run_length" env:"DRY_RUN_LENGTH"`
}

// ProgressConfig limits how often progress is reported.
type ProgressConfig struct {
	// Rate is the number of reports per second. Zero
	// disables throttling.
	Rate  float64 `yaml:"rate" env:"RATE"`
	Burst int     `yaml:"burst" env:"BURST"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics server.
	// It is disabled when empty.
	Addr string `yaml:"addr" env:"ADDR"`
}

// DefaultConfig returns the configuration before any file
// or environment variables are applied.
func DefaultConfig() *Config {
	return &Config{
		Master: coordinator.Config{
			URL:     "http://localhost:8080",
			Timeout: 30 * time.Second,
			Retry:   coordinator.DefaultRetryPolicy(),
		},
		Dist: DistConfig{
			Rank:    0,
			Size:    1,
			Backend: BackendSolo,
			Redis:   redisdist.DefaultConfig(),
		},
		Ops: OpsConfig{
			AutoAck:      true,
			DryRunLength: 100,
		},
		Progress: ProgressConfig{
			Rate:  1,
			Burst: 1,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stderr"},
		},
	}
}

// Validate checks the configuration for errors, reporting
// all of them at once.
func (c *Config) Validate() error {
	var errs []error
	if !c.Ops.DryRun && c.Master.URL == "" {
		errs = append(errs, errors.New("master.url is required unless ops.dry_run is set"))
	}
	if c.Master.Timeout < 0 {
		errs = append(errs, errors.New("master.timeout must not be negative"))
	}
	if c.Dist.Size < 1 {
		errs = append(errs, fmt.Errorf("dist.size must be positive, got %d", c.Dist.Size))
	} else if c.Dist.Rank < 0 || c.Dist.Rank >= c.Dist.Size {
		errs = append(errs, fmt.Errorf("dist.rank %d out of range for size %d", c.Dist.Rank, c.Dist.Size))
	}
	switch c.Dist.Backend {
	case BackendSolo:
		if c.Dist.Size != 1 {
			errs = append(errs, errors.New("dist.backend solo requires dist.size 1"))
		}
	case BackendRedis:
		if c.Dist.Redis.Addr == "" {
			errs = append(errs, errors.New("dist.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dist.backend %q", c.Dist.Backend))
	}
	if c.Ops.DryRun && c.Ops.DryRunLength == 0 {
		errs = append(errs, errors.New("ops.dry_run_length must be positive"))
	}
	if c.Progress.Rate < 0 {
		errs = append(errs, errors.New("progress.rate must not be negative"))
	}
	if c.Progress.Rate > 0 && c.Progress.Burst < 1 {
		errs = append(errs, errors.New("progress.burst must be positive when progress.rate is set"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
