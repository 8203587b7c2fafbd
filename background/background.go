// Package background builds per-taxon summary statistics over a fixed set of
// prior pipeline runs. A background's summaries describe "normal" abundance and
// feed the z-score normalizer.
package background

import (
	"sort"
	"time"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/zscore"
)

// ErrBackgroundNotFound is returned for an unknown background id or name
var ErrBackgroundNotFound = errors.Mark(errors.New("background not found"), errors.ErrNotFound)

// Background is a named, fixed membership of pipeline runs
type Background struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	MemberRunIDs   []int64    `json:"member_run_ids"`
	MassNormalized bool       `json:"mass_normalized"`
	CreatedAt      time.Time  `json:"created_at"`
	BuiltAt        *time.Time `json:"built_at,omitempty"`
}

// normalizeMembers sorts and deduplicates run ids
func normalizeMembers(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

// TaxonSummary is the mean and population standard deviation of one key's
// abundance across a background's members. ValueList holds one value per
// member in ascending run id order, with 0 for members lacking the key.
type TaxonSummary struct {
	BackgroundID int64 `json:"background_id"`
	observation.Key
	Mean      float64   `json:"mean"`
	Stdev     float64   `json:"stdev"`
	ValueList []float64 `json:"value_list"`
}

// SummarySet indexes a background's summaries by key
type SummarySet map[observation.Key]TaxonSummary

// NewSummarySet indexes summaries
func NewSummarySet(summaries []TaxonSummary) SummarySet {
	set := make(SummarySet, len(summaries))
	for _, s := range summaries {
		set[s.Key] = s
	}
	return set
}

// Stats implements zscore.Summaries
func (s SummarySet) Stats(key observation.Key) (zscore.Stats, bool) {
	summary, ok := s[key]
	if !ok {
		return zscore.Stats{}, false
	}
	return zscore.Stats{Mean: summary.Mean, Stdev: summary.Stdev}, true
}

// Keys returns the set's keys in sorted order
func (s SummarySet) Keys() []observation.Key {
	keys := make([]observation.Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
