// Package zscore converts a sample's per-taxon abundance into a z-score against
// a background's summary statistics.
//
// The computation is a pure function of its inputs. Sentinel values for absent
// taxa are returned as configured; only computed scores are clamped.
package zscore

import (
	"math"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/observation"
)

// Config carries the bounds and sentinels of a scoring model
type Config struct {
	Min              float64 `json:"zscore_min" mapstructure:"zscore_min"`
	Max              float64 `json:"zscore_max" mapstructure:"zscore_max"`
	AbsentFromSample float64 `json:"zscore_when_absent_from_sample" mapstructure:"zscore_when_absent_from_sample"`
	AbsentFromBg     float64 `json:"zscore_when_absent_from_bg" mapstructure:"zscore_when_absent_from_bg"`
}

// DefaultConfig matches the stock scoring models
func DefaultConfig() Config {
	return Config{Min: -99, Max: 99, AbsentFromSample: -100, AbsentFromBg: 100}
}

// Validate rejects non-finite values and an inverted clamp range
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"zscore_min":                     c.Min,
		"zscore_max":                     c.Max,
		"zscore_when_absent_from_sample": c.AbsentFromSample,
		"zscore_when_absent_from_bg":     c.AbsentFromBg,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.NewInvalidRequestError("%s must be finite", name)
		}
	}
	if c.Min > c.Max {
		return errors.NewInvalidRequestError("zscore_min (%g) is greater than zscore_max (%g)", c.Min, c.Max)
	}
	return nil
}

// Kind records which branch produced a z-score
type Kind int

const (
	Computed Kind = iota
	AbsentFromSample
	AbsentFromBackground
	ZeroVariance
)

func (k Kind) String() string {
	switch k {
	case Computed:
		return "computed"
	case AbsentFromSample:
		return "absent_from_sample"
	case AbsentFromBackground:
		return "absent_from_background"
	case ZeroVariance:
		return "zero_variance"
	default:
		return "unknown"
	}
}

// Result is a z-score and how it was reached
type Result struct {
	Value float64
	Kind  Kind
}

// Stats are the background mean and population standard deviation for one key
type Stats struct {
	Mean  float64
	Stdev float64
}

// Summaries looks up background statistics by key
type Summaries interface {
	Stats(key observation.Key) (Stats, bool)
}

// Score computes a z-score. present is false when the sample has no observation
// for the taxon; stats is nil when the background never saw it.
//
// With zero variance the score is 0 at the mean, cfg.Max above it and cfg.Min
// below it.
func Score(observed float64, present bool, stats *Stats, cfg Config) Result {
	if !present {
		return Result{Value: cfg.AbsentFromSample, Kind: AbsentFromSample}
	}
	if stats == nil {
		return Result{Value: cfg.AbsentFromBg, Kind: AbsentFromBackground}
	}
	if stats.Stdev <= 0 {
		switch {
		case observed > stats.Mean:
			return Result{Value: cfg.Max, Kind: ZeroVariance}
		case observed < stats.Mean:
			return Result{Value: cfg.Min, Kind: ZeroVariance}
		default:
			return Result{Value: clamp(0, cfg), Kind: ZeroVariance}
		}
	}
	return Result{Value: clamp((observed-stats.Mean)/stats.Stdev, cfg), Kind: Computed}
}

func clamp(z float64, cfg Config) float64 {
	return math.Max(cfg.Min, math.Min(cfg.Max, z))
}

// Normalizer scores observations against one background under one model config
type Normalizer struct {
	summaries Summaries
	cfg       Config
}

// NewNormalizer binds a background's summaries to a model config
func NewNormalizer(summaries Summaries, cfg Config) (*Normalizer, error) {
	if summaries == nil {
		return nil, errors.NewInvalidRequestError("normalizer requires background summaries")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Normalizer{summaries: summaries, cfg: cfg}, nil
}

// Config returns the bound model config
func (n *Normalizer) Config() Config {
	return n.cfg
}

// ZScore scores observed abundance for key. present is false when the sample
// has no observation for key.
func (n *Normalizer) ZScore(key observation.Key, observed float64, present bool) Result {
	if !present {
		return Score(0, false, nil, n.cfg)
	}
	stats, ok := n.summaries.Stats(key)
	if !ok {
		return Score(observed, true, nil, n.cfg)
	}
	return Score(observed, true, &stats, n.cfg)
}
