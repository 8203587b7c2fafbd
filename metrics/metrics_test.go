package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry(false)

	r.RecordLineageGap()
	r.RecordLineageGap()
	assert.Equal(t, 2.0, testutil.ToFloat64(r.lineageGaps))

	r.RecordAttributeNotFound("agg_score")
	r.RecordAttributeNotFound("agg_score")
	r.RecordAttributeNotFound("nt_only")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.attributeNotFound.WithLabelValues("agg_score")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attributeNotFound.WithLabelValues("nt_only")))

	r.ObserveBackgroundBuild("csf", 1500*time.Millisecond, 42)
	assert.Equal(t, 42.0, testutil.ToFloat64(r.summaries.WithLabelValues("csf")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.buildSeconds))

	r.SetHighlighted(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(r.highlighted))

	r.RecordJob("background.build", "completed", time.Second)
	r.RecordJob("background.build", "failed", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("background.build", "failed")))
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry(true)
	r.RecordLineageGap()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "taxscore_lineage_gaps_total 1")
	assert.Contains(t, text, "taxscore_highlighted_taxa 0")
	assert.True(t, strings.Contains(text, "go_goroutines"), "runtime collectors registered")
}
