package taxon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/taxscore/errors"
)

func TestRanks(t *testing.T) {
	require.Len(t, Ranks, NumRanks)
	for i, r := range Ranks {
		assert.Equal(t, i, r.Index())
		assert.True(t, r.Valid())
		assert.True(t, IsSentinel(r.MissingID()), "%s sentinel must be negative", r)
	}
	assert.Equal(t, "genus", Genus.String())
	assert.Equal(t, "rank_42", Rank(42).String())
	assert.False(t, Rank(0).Valid())
}

func TestMissingIDs(t *testing.T) {
	assert.Equal(t, int64(-100), Species.MissingID())
	assert.Equal(t, int64(-200), Genus.MissingID())
	assert.Equal(t, int64(-650), Kingdom.MissingID())
	assert.Equal(t, int64(-700), Superkingdom.MissingID())
	assert.Equal(t, RankEntry{TaxID: -300}, MissingEntry(Family))
}

func TestParseRank(t *testing.T) {
	r, err := ParseRank(" Superkingdom ")
	require.NoError(t, err)
	assert.Equal(t, Superkingdom, r)

	_, err = ParseRank("tribe")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestParseCountType(t *testing.T) {
	c, err := ParseCountType("nr")
	require.NoError(t, err)
	assert.Equal(t, NR, c)

	_, err = ParseCountType("NX")
	require.Error(t, err)
}

func TestIsPhageFamily(t *testing.T) {
	assert.True(t, IsPhageFamily(10699))
	assert.True(t, IsPhageFamily(1232737))
	assert.False(t, IsPhageFamily(543))
	assert.False(t, IsPhageFamily(MissingFamilyID))
}
