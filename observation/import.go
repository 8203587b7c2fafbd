package observation

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/taxon"
)

// countRow is one JSON Lines row of pipeline output. rpm and bpm are optional;
// when absent they are derived from count and base_count against the run depth.
type countRow struct {
	TaxID             int64    `json:"taxid"`
	TaxLevel          int      `json:"tax_level"`
	CountType         string   `json:"count_type"`
	Count             int64    `json:"count"`
	BaseCount         *int64   `json:"base_count"`
	RPM               *float64 `json:"rpm"`
	BPM               *float64 `json:"bpm"`
	PercentIdentity   float64  `json:"percent_identity"`
	AlignmentLength   float64  `json:"alignment_length"`
	EValue            float64  `json:"e_value"`
	GenusTaxID        *int64   `json:"genus_taxid"`
	FamilyTaxID       *int64   `json:"family_taxid"`
	SuperkingdomTaxID *int64   `json:"superkingdom_taxid"`
}

// ReadObservations parses JSON Lines count rows for run.
// Blank lines and lines starting with '#' are skipped.
func ReadObservations(r io.Reader, run Run) ([]Observation, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []Observation
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var row countRow
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid JSON", line)
		}
		o, err := row.toObservation(run)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		out = append(out, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read observations")
	}
	return out, nil
}

func (row countRow) toObservation(run Run) (Observation, error) {
	countType, err := taxon.ParseCountType(row.CountType)
	if err != nil {
		return Observation{}, err
	}

	o := Observation{
		RunID:             run.ID,
		TaxID:             row.TaxID,
		TaxLevel:          taxon.Rank(row.TaxLevel),
		CountType:         countType,
		Count:             row.Count,
		PercentIdentity:   row.PercentIdentity,
		AlignmentLength:   row.AlignmentLength,
		EValue:            row.EValue,
		GenusTaxID:        taxon.MissingGenusID,
		FamilyTaxID:       taxon.MissingFamilyID,
		SuperkingdomTaxID: taxon.MissingSuperkingdomID,
	}

	if row.RPM != nil {
		o.RPM = *row.RPM
	} else {
		o.RPM = RPM(float64(row.Count), run)
	}
	switch {
	case row.BPM != nil:
		o.BPM = *row.BPM
	case row.BaseCount != nil:
		o.BPM = BPM(float64(*row.BaseCount), run)
	}

	if row.GenusTaxID != nil {
		o.GenusTaxID = *row.GenusTaxID
	}
	if row.FamilyTaxID != nil {
		o.FamilyTaxID = *row.FamilyTaxID
	}
	if row.SuperkingdomTaxID != nil {
		o.SuperkingdomTaxID = *row.SuperkingdomTaxID
	}

	if err := o.Validate(); err != nil {
		return Observation{}, err
	}
	return o, nil
}
