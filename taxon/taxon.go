// Package taxon defines the shared taxonomy vocabulary: the eight fixed ranks,
// the reserved per-rank sentinel ids used for absent ancestry, and the
// reference database count types.
package taxon

import (
	"strconv"
	"strings"

	"github.com/teranos/taxscore/errors"
)

// Rank is a fixed taxonomic level. Its integer value is the tax_level used by
// observations and summaries (species = 1 ... superkingdom = 8).
type Rank int

const (
	Species      Rank = 1
	Genus        Rank = 2
	Family       Rank = 3
	Order        Rank = 4
	Class        Rank = 5
	Phylum       Rank = 6
	Kingdom      Rank = 7
	Superkingdom Rank = 8
)

// NumRanks is the length of every ancestor chain
const NumRanks = 8

// Ranks lists every rank from most to least specific
var Ranks = [NumRanks]Rank{Species, Genus, Family, Order, Class, Phylum, Kingdom, Superkingdom}

var rankNames = map[Rank]string{
	Species:      "species",
	Genus:        "genus",
	Family:       "family",
	Order:        "order",
	Class:        "class",
	Phylum:       "phylum",
	Kingdom:      "kingdom",
	Superkingdom: "superkingdom",
}

// Reserved ancestor ids for ranks that are absent from the taxonomy
const (
	MissingSpeciesID      int64 = -100
	MissingGenusID        int64 = -200
	MissingFamilyID       int64 = -300
	MissingOrderID        int64 = -400
	MissingClassID        int64 = -500
	MissingPhylumID       int64 = -600
	MissingKingdomID      int64 = -650
	MissingSuperkingdomID int64 = -700
)

// BlacklistGenusID groups "all artificial constructs"; reports skip it
const BlacklistGenusID int64 = -201

// HomoSapiensTaxID is the host taxon; reports skip it
const HomoSapiensTaxID int64 = 9606

var missingIDs = map[Rank]int64{
	Species:      MissingSpeciesID,
	Genus:        MissingGenusID,
	Family:       MissingFamilyID,
	Order:        MissingOrderID,
	Class:        MissingClassID,
	Phylum:       MissingPhylumID,
	Kingdom:      MissingKingdomID,
	Superkingdom: MissingSuperkingdomID,
}

// String returns the lowercase rank name
func (r Rank) String() string {
	if name, ok := rankNames[r]; ok {
		return name
	}
	return "rank_" + strconv.Itoa(int(r))
}

// Valid reports whether r is one of the eight fixed ranks
func (r Rank) Valid() bool {
	_, ok := rankNames[r]
	return ok
}

// Index returns r's position in Ranks
func (r Rank) Index() int {
	return int(r) - 1
}

// MissingID returns the sentinel ancestor id reserved for r
func (r Rank) MissingID() int64 {
	return missingIDs[r]
}

// ParseRank parses a rank name such as "genus"
func ParseRank(s string) (Rank, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range rankNames {
		if name == s {
			return r, nil
		}
	}
	return 0, errors.NewInvalidRequestError("unknown rank %q", s)
}

// IsSentinel reports whether taxid is a reserved placeholder rather than a real taxon
func IsSentinel(taxid int64) bool {
	return taxid < 0
}

// CountType identifies the reference database a count was aligned against
type CountType string

const (
	NT CountType = "NT"
	NR CountType = "NR"
)

// CountTypes lists the count types scored by reports
var CountTypes = []CountType{NT, NR}

// Valid reports whether c is NT or NR
func (c CountType) Valid() bool {
	return c == NT || c == NR
}

// ParseCountType parses "NT"/"NR" case-insensitively
func ParseCountType(s string) (CountType, error) {
	c := CountType(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", errors.NewInvalidRequestError("unknown count type %q", s)
	}
	return c, nil
}

// RankEntry is one link of an ancestor chain
type RankEntry struct {
	TaxID      int64  `json:"taxid"`
	Name       string `json:"name,omitempty"`
	CommonName string `json:"common_name,omitempty"`
}

// MissingEntry returns the sentinel entry for r
func MissingEntry(r Rank) RankEntry {
	return RankEntry{TaxID: r.MissingID()}
}

// PhageFamilyTaxIDs are the prokaryotic virus families labelled as phage
var PhageFamilyTaxIDs = []int64{
	10472, 10474, 10477, 10656, 10659, 10662, 10699, 10744, 10841,
	10860, 10877, 11989, 157897, 292638, 324686, 423358, 573053, 1232737,
}

var phageFamilies = func() map[int64]struct{} {
	m := make(map[int64]struct{}, len(PhageFamilyTaxIDs))
	for _, id := range PhageFamilyTaxIDs {
		m[id] = struct{}{}
	}
	return m
}()

// IsPhageFamily reports whether a family taxid is a phage family
func IsPhageFamily(familyTaxID int64) bool {
	_, ok := phageFamilies[familyTaxID]
	return ok
}
