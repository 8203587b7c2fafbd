package am

import "fmt"

// Config represents the core taxscore configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Lineage    LineageConfig    `mapstructure:"lineage" toml:"lineage" json:"lineage" yaml:"lineage"`
	Background BackgroundConfig `mapstructure:"background" toml:"background" json:"background" yaml:"background"`
	Scoring    ScoringConfig    `mapstructure:"scoring" toml:"scoring" json:"scoring" yaml:"scoring"`
	Report     ReportConfig     `mapstructure:"report" toml:"report" json:"report" yaml:"report"`
	Pulse      PulseConfig      `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Metrics    MetricsConfig    `mapstructure:"metrics" toml:"metrics" json:"metrics" yaml:"metrics"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// LineageConfig configures the lineage version store
type LineageConfig struct {
	// VersionOrder selects how lineage version labels compare: "lexical" (date strings) or "semver"
	VersionOrder string `mapstructure:"version_order" toml:"version_order" json:"version_order" yaml:"version_order"`
}

// Version order names accepted by lineage.version_order
const (
	VersionOrderLexical = "lexical"
	VersionOrderSemver  = "semver"
)

// BackgroundConfig configures background model builds
type BackgroundConfig struct {
	Workers        int `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`                         // Parallel member extraction (default: 4)
	TimeoutSeconds int `mapstructure:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"` // Per-build timeout, 0 = none (default: 1800)
}

// ScoringConfig configures scoring models and the z-score defaults applied
// when a model file carries no config block of its own
type ScoringConfig struct {
	ModelsDir    string `mapstructure:"models_dir" toml:"models_dir" json:"models_dir" yaml:"models_dir"`
	DefaultModel string `mapstructure:"default_model" toml:"default_model" json:"default_model" yaml:"default_model"`

	ZScoreMin                  float64 `mapstructure:"zscore_min" toml:"zscore_min" json:"zscore_min" yaml:"zscore_min"`
	ZScoreMax                  float64 `mapstructure:"zscore_max" toml:"zscore_max" json:"zscore_max" yaml:"zscore_max"`
	ZScoreWhenAbsentFromSample float64 `mapstructure:"zscore_when_absent_from_sample" toml:"zscore_when_absent_from_sample" json:"zscore_when_absent_from_sample" yaml:"zscore_when_absent_from_sample"`
	ZScoreWhenAbsentFromBg     float64 `mapstructure:"zscore_when_absent_from_bg" toml:"zscore_when_absent_from_bg" json:"zscore_when_absent_from_bg" yaml:"zscore_when_absent_from_bg"`
}

// ReportConfig holds the default highlight thresholds
type ReportConfig struct {
	MinNTZ   float64 `mapstructure:"min_nt_z" toml:"min_nt_z" json:"min_nt_z" yaml:"min_nt_z"`
	MinNRZ   float64 `mapstructure:"min_nr_z" toml:"min_nr_z" json:"min_nr_z" yaml:"min_nr_z"`
	MinNTRPM float64 `mapstructure:"min_nt_rpm" toml:"min_nt_rpm" json:"min_nt_rpm" yaml:"min_nt_rpm"`
	MinNRRPM float64 `mapstructure:"min_nr_rpm" toml:"min_nr_rpm" json:"min_nr_rpm" yaml:"min_nr_rpm"`
	TopN     int     `mapstructure:"top_n" toml:"top_n" json:"top_n" yaml:"top_n"`
}

// PulseConfig configures the Pulse async job system
type PulseConfig struct {
	Workers        int `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`                                 // Number of concurrent job workers (default: 1)
	PollIntervalMS int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"` // Queue poll interval (default: 1000)
}

// MetricsConfig configures the prometheus endpoint served by the pulse daemon
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled" json:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" toml:"address" json:"address" yaml:"address"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Lineage: {VersionOrder: %s}, Scoring: {DefaultModel: %s}, Pulse: {Workers: %d}}",
		c.Database.Path, c.Lineage.VersionOrder, c.Scoring.DefaultModel, c.Pulse.Workers)
}
