package lineage

import (
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/taxon"
)

// ReferenceVersion is a published reference database release. The locator is opaque.
type ReferenceVersion struct {
	Name           string `json:"name"`
	LineageVersion string `json:"lineage_version"`
	Locator        string `json:"locator,omitempty"`
}

// Record is the ancestry of one taxid, valid over the inclusive version range
// [VersionStart, VersionEnd]. Records are immutable once published.
type Record struct {
	TaxID        int64                           `json:"taxid"`
	Ancestors    [taxon.NumRanks]taxon.RankEntry `json:"ancestors"`
	VersionStart string                          `json:"version_start"`
	VersionEnd   string                          `json:"version_end"`
	IsPhage      bool                            `json:"is_phage"`
}

// SentinelRecord is the all-missing ancestry returned when no range covers a label
func SentinelRecord(taxid int64) Record {
	r := Record{TaxID: taxid}
	for _, rank := range taxon.Ranks {
		r.Ancestors[rank.Index()] = taxon.MissingEntry(rank)
	}
	return r
}

// Ancestor returns the entry for rank
func (r Record) Ancestor(rank taxon.Rank) taxon.RankEntry {
	if !rank.Valid() {
		return taxon.RankEntry{}
	}
	return r.Ancestors[rank.Index()]
}

// IsSentinel reports whether every rank holds its missing id
func (r Record) IsSentinel() bool {
	for _, rank := range taxon.Ranks {
		if r.Ancestors[rank.Index()].TaxID != rank.MissingID() {
			return false
		}
	}
	return true
}

// TaxLevel returns the most specific rank with a real (positive) taxid, or 0 if none
func (r Record) TaxLevel() taxon.Rank {
	for _, rank := range taxon.Ranks {
		if r.Ancestors[rank.Index()].TaxID > 0 {
			return rank
		}
	}
	return 0
}

// Name returns the name at the record's own level
func (r Record) Name() string {
	if level := r.TaxLevel(); level != 0 {
		return r.Ancestor(level).Name
	}
	return ""
}

// Validate checks the record's shape and range under order
func (r Record) Validate(order Order) error {
	if r.TaxID <= 0 {
		return errors.NewInvalidRequestError("lineage record taxid must be positive, got %d", r.TaxID)
	}
	if err := order.Validate(r.VersionStart); err != nil {
		return errors.Wrapf(err, "taxid %d version_start", r.TaxID)
	}
	if err := order.Validate(r.VersionEnd); err != nil {
		return errors.Wrapf(err, "taxid %d version_end", r.TaxID)
	}
	if order.Compare(r.VersionStart, r.VersionEnd) > 0 {
		return errors.NewInvalidRequestError("taxid %d: version_start %q is after version_end %q",
			r.TaxID, r.VersionStart, r.VersionEnd)
	}
	for _, rank := range taxon.Ranks {
		if r.Ancestors[rank.Index()].TaxID == 0 {
			return errors.NewInvalidRequestError("taxid %d: %s ancestor is unset (use %d for missing)",
				r.TaxID, rank, rank.MissingID())
		}
	}
	return nil
}

// Covers reports whether label lies within the record's inclusive range
func (r Record) Covers(order Order, label string) bool {
	return order.Compare(r.VersionStart, label) <= 0 && order.Compare(label, r.VersionEnd) <= 0
}

// Overlaps reports whether two ranges for the same taxid intersect
func (r Record) Overlaps(order Order, other Record) bool {
	return order.Compare(r.VersionStart, other.VersionEnd) <= 0 &&
		order.Compare(other.VersionStart, r.VersionEnd) <= 0
}
