// Package observation holds the per-run taxon counts produced by the upstream
// alignment pipeline. Rows are imported once and read by the background builder
// and the report; nothing in taxscore rewrites them.
package observation

import (
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/taxon"
)

// perMillion scales a fraction of the sequencing depth to "per million"
const perMillion = 1_000_000.0

// Run is a pipeline run and the depth figures its abundances are normalized by
type Run struct {
	ID                      int64   `json:"id"`
	Name                    string  `json:"name,omitempty"`
	TotalReads              int64   `json:"total_reads"`
	TotalERCCReads          int64   `json:"total_ercc_reads"`
	SubsampleFraction       float64 `json:"subsample_fraction"`
	TotalBases              int64   `json:"total_bases"`
	FractionSubsampledBases float64 `json:"fraction_subsampled_bases"`
}

// RPM returns reads per million for count reads in run:
// count / ((total_reads - ercc) * subsample_fraction) * 1e6.
// A run without usable depth yields 0.
func RPM(count float64, run Run) float64 {
	depth := float64(run.TotalReads-run.TotalERCCReads) * run.SubsampleFraction
	if depth <= 0 {
		return 0
	}
	return count / depth * perMillion
}

// BPM returns bases per million for bases aligned in run
func BPM(bases float64, run Run) float64 {
	depth := float64(run.TotalBases) * run.FractionSubsampledBases
	if depth <= 0 {
		return 0
	}
	return bases / depth * perMillion
}

// Key identifies one summary cell: a taxid at a level in one reference database
type Key struct {
	TaxID     int64           `json:"taxid"`
	CountType taxon.CountType `json:"count_type"`
	TaxLevel  taxon.Rank      `json:"tax_level"`
}

// Less orders keys by taxid, then count type, then level
func (k Key) Less(o Key) bool {
	if k.TaxID != o.TaxID {
		return k.TaxID < o.TaxID
	}
	if k.CountType != o.CountType {
		return k.CountType < o.CountType
	}
	return k.TaxLevel < o.TaxLevel
}

// Observation is one taxon count row for a run
type Observation struct {
	RunID           int64           `json:"pipeline_run_id"`
	TaxID           int64           `json:"taxid"`
	TaxLevel        taxon.Rank      `json:"tax_level"`
	CountType       taxon.CountType `json:"count_type"`
	Count           int64           `json:"count"`
	RPM             float64         `json:"rpm"`
	BPM             float64         `json:"bpm"`
	PercentIdentity float64         `json:"percent_identity"`
	AlignmentLength float64         `json:"alignment_length"`
	EValue          float64         `json:"e_value"`

	// Ancestors denormalized by the pipeline at alignment time
	GenusTaxID        int64 `json:"genus_taxid"`
	FamilyTaxID       int64 `json:"family_taxid"`
	SuperkingdomTaxID int64 `json:"superkingdom_taxid"`
}

// Key returns the observation's summary key
func (o Observation) Key() Key {
	return Key{TaxID: o.TaxID, CountType: o.CountType, TaxLevel: o.TaxLevel}
}

// Abundance returns bpm for mass-normalized comparisons and rpm otherwise
func (o Observation) Abundance(massNormalized bool) float64 {
	if massNormalized {
		return o.BPM
	}
	return o.RPM
}

// Validate checks the fields the stores and builders rely on
func (o Observation) Validate() error {
	if o.TaxID == 0 {
		return errors.NewInvalidRequestError("observation taxid cannot be 0")
	}
	if !o.TaxLevel.Valid() {
		return errors.NewInvalidRequestError("taxid %d: invalid tax_level %d", o.TaxID, o.TaxLevel)
	}
	if !o.CountType.Valid() {
		return errors.NewInvalidRequestError("taxid %d: invalid count_type %q", o.TaxID, o.CountType)
	}
	if o.Count < 0 || o.RPM < 0 || o.BPM < 0 {
		return errors.NewInvalidRequestError("taxid %d: counts cannot be negative", o.TaxID)
	}
	return nil
}
