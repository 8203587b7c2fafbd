package am

import "github.com/teranos/taxscore/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty falls back to DefaultDatabasePath

	switch c.Lineage.VersionOrder {
	case "", VersionOrderLexical, VersionOrderSemver:
	default:
		return errors.Newf("lineage.version_order must be %q or %q, got %q",
			VersionOrderLexical, VersionOrderSemver, c.Lineage.VersionOrder)
	}

	// Background workers: 0 = default, negative = invalid
	if c.Background.Workers < 0 {
		return errors.Newf("background.workers must be >= 0, got %d", c.Background.Workers)
	}
	// Background timeout: 0 = no timeout, negative = invalid
	if c.Background.TimeoutSeconds < 0 {
		return errors.Newf("background.timeout_seconds must be >= 0, got %d", c.Background.TimeoutSeconds)
	}

	if c.Scoring.ZScoreMin > c.Scoring.ZScoreMax {
		return errors.Newf("scoring.zscore_min (%g) must be <= scoring.zscore_max (%g)",
			c.Scoring.ZScoreMin, c.Scoring.ZScoreMax)
	}

	// top_n: 0 = highlight nothing, negative = invalid
	if c.Report.TopN < 0 {
		return errors.Newf("report.top_n must be >= 0, got %d", c.Report.TopN)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}

	return nil
}
