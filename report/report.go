// Package report assembles a sample's scored, highlighted taxon report:
// observations are normalized against a background, resolved against a
// lineage version, scored by a model and passed through the selector.
package report

import (
	"strings"
	"time"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/highlight"
	"github.com/teranos/taxscore/lineage"
	"github.com/teranos/taxscore/taxon"
)

// Request names everything a report depends on. Nothing is taken from
// process-wide defaults except the model name when ModelName is empty.
type Request struct {
	RunID        int64                `json:"run_id"`
	BackgroundID int64                `json:"background_id"`
	VersionLabel string               `json:"version_label"`
	ModelName    string               `json:"model,omitempty"`
	Thresholds   highlight.Thresholds `json:"thresholds"`
}

func (r Request) validate() error {
	if r.RunID <= 0 {
		return errors.NewInvalidRequestError("report needs a run id")
	}
	if r.BackgroundID <= 0 {
		return errors.NewInvalidRequestError("report needs a background id")
	}
	if strings.TrimSpace(r.VersionLabel) == "" {
		return errors.NewInvalidRequestError("report needs a lineage version label")
	}
	return r.Thresholds.Validate()
}

// Metrics are one count type's values for a taxon. An absent half has
// Present false, zero abundance and the absent-from-sample z-score.
type Metrics struct {
	Present         bool    `json:"present"`
	Count           int64   `json:"count"`
	RPM             float64 `json:"rpm"`
	BPM             float64 `json:"bpm"`
	ZScore          float64 `json:"zscore"`
	ZKind           string  `json:"zscore_kind"`
	PercentIdentity float64 `json:"percent_identity"`
	AlignmentLength float64 `json:"alignment_length"`
	EValue          float64 `json:"e_value"`
}

// Row is one taxon of the report
type Row struct {
	TaxID       int64      `json:"taxid"`
	TaxLevel    taxon.Rank `json:"tax_level"`
	Name        string     `json:"name,omitempty"`
	GenusTaxID  int64      `json:"genus_taxid"`
	FamilyTaxID int64      `json:"family_taxid"`
	IsPhage     bool       `json:"is_phage"`
	NT          Metrics    `json:"NT"`
	NR          Metrics    `json:"NR"`
	MaxZScore   float64    `json:"max_z_score"`

	// Score is nil when the taxon was excluded from ranking
	Score       *float64 `json:"agg_score"`
	Excluded    bool     `json:"excluded,omitempty"`
	Highlighted bool     `json:"highlighted"`
}

// Metrics returns the half for count type ct
func (r *Row) Metrics(ct taxon.CountType) *Metrics {
	if ct == taxon.NR {
		return &r.NR
	}
	return &r.NT
}

// Genus groups species rows under their genus. Row is nil when the sample
// has no genus-level observation for it.
type Genus struct {
	TaxID   int64    `json:"taxid"`
	Name    string   `json:"name,omitempty"`
	Score   *float64 `json:"agg_score"`
	Row     *Row     `json:"row,omitempty"`
	Species []Row    `json:"species"`
}

// Warning kinds
const (
	WarningLineageGap        = "lineage_gap"
	WarningAttributeNotFound = "attribute_not_found"
)

// Warning reports a per-taxon degradation that did not fail the report
type Warning struct {
	Kind    string `json:"kind"`
	TaxID   int64  `json:"taxid"`
	Message string `json:"message"`
}

// Report is the scored result for one run against one background
type Report struct {
	RunID          int64                `json:"run_id"`
	BackgroundID   int64                `json:"background_id"`
	BackgroundName string               `json:"background_name"`
	VersionLabel   string               `json:"version_label"`
	Model          string               `json:"model"`
	Thresholds     highlight.Thresholds `json:"thresholds"`
	Genera         []Genus              `json:"genera"`
	Highlighted    []int64              `json:"highlighted"`
	Lineage        lineage.Tree         `json:"lineage"`
	Warnings       []Warning            `json:"warnings,omitempty"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

// Species returns every species row in report order
func (r *Report) Species() []Row {
	var out []Row
	for _, g := range r.Genera {
		out = append(out, g.Species...)
	}
	return out
}

// Find returns the species or genus row for taxid
func (r *Report) Find(taxid int64) (*Row, bool) {
	for gi := range r.Genera {
		g := &r.Genera[gi]
		if g.Row != nil && g.Row.TaxID == taxid {
			return g.Row, true
		}
		for si := range g.Species {
			if g.Species[si].TaxID == taxid {
				return &g.Species[si], true
			}
		}
	}
	return nil, false
}
