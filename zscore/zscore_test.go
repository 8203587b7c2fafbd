package zscore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/taxon"
)

type fakeSummaries map[observation.Key]Stats

func (f fakeSummaries) Stats(key observation.Key) (Stats, bool) {
	s, ok := f[key]
	return s, ok
}

func TestScore(t *testing.T) {
	cfg := DefaultConfig()
	spread := &Stats{Mean: 20, Stdev: math.Sqrt(200.0 / 3.0)}
	flat := &Stats{Mean: 5, Stdev: 0}

	tests := []struct {
		name     string
		observed float64
		present  bool
		stats    *Stats
		want     float64
		kind     Kind
	}{
		{"absent from sample", 12, false, spread, -100, AbsentFromSample},
		{"absent from background", 12, true, nil, 100, AbsentFromBackground},
		{"at the mean", 20, true, spread, 0, Computed},
		{"clamped high", 1e9, true, spread, 99, Computed},
		{"clamped low", -1e9, true, spread, -99, Computed},
		{"zero variance equal", 5, true, flat, 0, ZeroVariance},
		{"zero variance above", 6, true, flat, 99, ZeroVariance},
		{"zero variance below", 4, true, flat, -99, ZeroVariance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.observed, tt.present, tt.stats, cfg)
			assert.Equal(t, tt.want, got.Value)
			assert.Equal(t, tt.kind, got.Kind)
		})
	}
}

func TestScore_BackgroundExample(t *testing.T) {
	// Members observed 10, 20 and 30 rpm
	stats := &Stats{Mean: 20, Stdev: 8.16496580927726}
	got := Score(36.16, true, stats, DefaultConfig())
	assert.Equal(t, Computed, got.Kind)
	assert.InDelta(t, 2.0, got.Value, 0.03)
}

func TestScore_ComputedValuesStayWithinBounds(t *testing.T) {
	cfg := Config{Min: -3, Max: 3, AbsentFromSample: -100, AbsentFromBg: 100}
	for _, stdev := range []float64{0, 1e-12, 0.5, 7, 1e6} {
		for observed := -50.0; observed <= 50; observed += 2.5 {
			got := Score(observed, true, &Stats{Mean: 1, Stdev: stdev}, cfg)
			assert.GreaterOrEqual(t, got.Value, cfg.Min)
			assert.LessOrEqual(t, got.Value, cfg.Max)
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	stats := &Stats{Mean: 3.3, Stdev: 1.7}
	first := Score(9.1, true, stats, DefaultConfig())
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Score(9.1, true, stats, DefaultConfig()))
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Min: 5, Max: 1}.Validate())
	assert.Error(t, Config{Min: math.Inf(-1), Max: 1}.Validate())
	assert.Error(t, Config{Max: 1, AbsentFromBg: math.NaN()}.Validate())
}

func TestNormalizer(t *testing.T) {
	ecoliNT := observation.Key{TaxID: 562, CountType: taxon.NT, TaxLevel: taxon.Species}
	ecoliNR := observation.Key{TaxID: 562, CountType: taxon.NR, TaxLevel: taxon.Species}
	n, err := NewNormalizer(fakeSummaries{ecoliNT: {Mean: 10, Stdev: 2}}, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, Result{Value: 2.5, Kind: Computed}, n.ZScore(ecoliNT, 15, true))
	assert.Equal(t, Result{Value: 100, Kind: AbsentFromBackground}, n.ZScore(ecoliNR, 15, true))
	assert.Equal(t, Result{Value: -100, Kind: AbsentFromSample}, n.ZScore(ecoliNR, 0, false))

	_, err = NewNormalizer(nil, DefaultConfig())
	assert.Error(t, err)
	_, err = NewNormalizer(fakeSummaries{}, Config{Min: 1, Max: 0})
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "zero_variance", ZeroVariance.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
