// Package highlight flags the top-scoring taxa of a report that clear the
// configured z-score and rpm thresholds.
package highlight

import (
	"math"
	"sort"

	"github.com/teranos/taxscore/am"
	"github.com/teranos/taxscore/errors"
)

// Thresholds gate eligibility and cap the highlighted set
type Thresholds struct {
	MinNTZ   float64 `json:"min_nt_z"`
	MinNRZ   float64 `json:"min_nr_z"`
	MinNTRPM float64 `json:"min_nt_rpm"`
	MinNRRPM float64 `json:"min_nr_rpm"`
	TopN     int     `json:"top_n"`
}

// FromConfig returns the configured default thresholds
func FromConfig(cfg am.ReportConfig) Thresholds {
	return Thresholds{
		MinNTZ:   cfg.MinNTZ,
		MinNRZ:   cfg.MinNRZ,
		MinNTRPM: cfg.MinNTRPM,
		MinNRRPM: cfg.MinNRRPM,
		TopN:     cfg.TopN,
	}
}

// Validate rejects a negative top_n and non-finite thresholds
func (t Thresholds) Validate() error {
	if t.TopN < 0 {
		return errors.NewInvalidRequestError("top_n must be >= 0, got %d", t.TopN)
	}
	for name, v := range map[string]float64{
		"min_nt_z": t.MinNTZ, "min_nr_z": t.MinNRZ, "min_nt_rpm": t.MinNTRPM, "min_nr_rpm": t.MinNRRPM,
	} {
		if math.IsNaN(v) {
			return errors.NewInvalidRequestError("%s must be a number", name)
		}
	}
	return nil
}

// Candidate is one scored taxon
type Candidate struct {
	TaxID int64   `json:"taxid"`
	NTZ   float64 `json:"nt_zscore"`
	NRZ   float64 `json:"nr_zscore"`
	NTRPM float64 `json:"nt_rpm"`
	NRRPM float64 `json:"nr_rpm"`
	Score float64 `json:"score"`
}

// RPM is the tie-break abundance: the larger of the NT and NR rpm
func (c Candidate) RPM() float64 {
	return math.Max(c.NTRPM, c.NRRPM)
}

// Eligible reports whether c clears either the NT or the NR thresholds
func (t Thresholds) Eligible(c Candidate) bool {
	if math.IsNaN(c.Score) {
		return false
	}
	nt := c.NTZ >= t.MinNTZ && c.NTRPM >= t.MinNTRPM
	nr := c.NRZ >= t.MinNRZ && c.NRRPM >= t.MinNRRPM
	return nt || nr
}

// Less is the ranking order: score descending, then rpm descending, then taxid ascending
func Less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if ra, rb := a.RPM(), b.RPM(); ra != rb {
		return ra > rb
	}
	return a.TaxID < b.TaxID
}

// Select returns the eligible candidates in ranking order, at most t.TopN of
// them. The input slice is not modified.
func Select(candidates []Candidate, t Thresholds) []Candidate {
	if t.TopN <= 0 {
		return nil
	}
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if t.Eligible(c) {
			eligible = append(eligible, c)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool { return Less(eligible[i], eligible[j]) })
	if len(eligible) > t.TopN {
		eligible = eligible[:t.TopN]
	}
	return eligible
}
