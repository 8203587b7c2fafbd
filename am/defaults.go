package am

import (
	"time"

	"github.com/spf13/viper"
)

// Default values shared by SetDefaults and the getters below
const (
	DefaultDatabasePath          = "taxscore.db"
	DefaultModelsDir             = "models"
	DefaultModelName             = "agg_score"
	DefaultMetricsAddress        = "127.0.0.1:9477"
	DefaultBackgroundWorkers     = 4
	DefaultBackgroundTimeoutSecs = 1800
	DefaultPollIntervalMS        = 1000
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)

	// Lineage defaults
	v.SetDefault("lineage.version_order", VersionOrderLexical) // Date-string labels compare lexically

	// Background build defaults
	v.SetDefault("background.workers", DefaultBackgroundWorkers)
	v.SetDefault("background.timeout_seconds", DefaultBackgroundTimeoutSecs) // 30 minutes

	// Scoring defaults
	v.SetDefault("scoring.models_dir", DefaultModelsDir)
	v.SetDefault("scoring.default_model", DefaultModelName)
	v.SetDefault("scoring.zscore_min", -99.0)
	v.SetDefault("scoring.zscore_max", 99.0)
	v.SetDefault("scoring.zscore_when_absent_from_sample", -100.0) // Below the clamp range on purpose
	v.SetDefault("scoring.zscore_when_absent_from_bg", 100.0)      // Novel taxa rank above everything

	// Report threshold defaults
	v.SetDefault("report.min_nt_z", 1.0)
	v.SetDefault("report.min_nr_z", 1.0)
	v.SetDefault("report.min_nt_rpm", 1.0)
	v.SetDefault("report.min_nr_rpm", 1.0)
	v.SetDefault("report.top_n", 10)

	// Pulse (async job infrastructure) defaults
	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.poll_interval_ms", DefaultPollIntervalMS)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", DefaultMetricsAddress)
}

// BindSensitiveEnvVars explicitly binds settings commonly overridden in batch environments
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "TAXSCORE_DATABASE_PATH")
	v.BindEnv("scoring.models_dir", "TAXSCORE_SCORING_MODELS_DIR")
	v.BindEnv("metrics.address", "TAXSCORE_METRICS_ADDRESS")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetModelsDir returns the configured scoring model directory
func (c *Config) GetModelsDir() string {
	if c.Scoring.ModelsDir == "" {
		return DefaultModelsDir
	}
	return c.Scoring.ModelsDir
}

// GetDefaultModel returns the model used when a report request names none
func (c *Config) GetDefaultModel() string {
	if c.Scoring.DefaultModel == "" {
		return DefaultModelName
	}
	return c.Scoring.DefaultModel
}

// GetBackgroundWorkers returns the member extraction parallelism (0 means default)
func (c *Config) GetBackgroundWorkers() int {
	if c.Background.Workers == 0 {
		return DefaultBackgroundWorkers
	}
	return c.Background.Workers
}

// GetBackgroundTimeout returns the per-build timeout; zero means no timeout
func (c *Config) GetBackgroundTimeout() time.Duration {
	return time.Duration(c.Background.TimeoutSeconds) * time.Second
}

// GetPollInterval returns the pulse queue poll interval
func (c *Config) GetPollInterval() time.Duration {
	if c.Pulse.PollIntervalMS <= 0 {
		return DefaultPollIntervalMS * time.Millisecond
	}
	return time.Duration(c.Pulse.PollIntervalMS) * time.Millisecond
}

// GetMetricsAddress returns the listen address for /metrics
func (c *Config) GetMetricsAddress() string {
	if c.Metrics.Address == "" {
		return DefaultMetricsAddress
	}
	return c.Metrics.Address
}
