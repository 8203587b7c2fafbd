// Package metrics exports taxscore's prometheus collectors: lineage gaps,
// scoring exclusions, background builds, highlighted taxa and pulse jobs.
//
// Registry satisfies the small recorder interfaces declared by the packages
// it observes (lineage.GapRecorder, background.BuildRecorder,
// async.JobRecorder, report.Recorder), so those packages never import it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taxscore"

// Registry owns a prometheus registry and the collectors registered on it
type Registry struct {
	reg *prometheus.Registry

	lineageGaps       prometheus.Counter
	attributeNotFound *prometheus.CounterVec
	buildSeconds      *prometheus.HistogramVec
	summaries         *prometheus.GaugeVec
	highlighted       prometheus.Gauge
	jobs              *prometheus.CounterVec
	jobSeconds        *prometheus.HistogramVec
}

// NewRegistry creates collectors on a fresh registry. withRuntime adds the
// Go runtime and process collectors.
func NewRegistry(withRuntime bool) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		lineageGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lineage_gaps_total",
			Help:      "Lineage lookups answered with sentinel ancestry because no version range covered the label.",
		}),
		attributeNotFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attribute_not_found_total",
			Help:      "Taxa excluded from ranking because the model referenced a missing attribute.",
		}, []string{"model"}),
		buildSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_build_seconds",
			Help:      "Duration of background summary builds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"background"}),
		summaries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_summaries",
			Help:      "Taxon summaries stored by the last build of each background.",
		}, []string{"background"}),
		highlighted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "highlighted_taxa",
			Help:      "Taxa highlighted in the most recently generated report.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "jobs_total",
			Help:      "Finished pulse jobs by handler and final status.",
		}, []string{"handler", "status"}),
		jobSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pulse",
			Name:      "job_seconds",
			Help:      "Pulse job execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}

	r.reg.MustRegister(
		r.lineageGaps,
		r.attributeNotFound,
		r.buildSeconds,
		r.summaries,
		r.highlighted,
		r.jobs,
		r.jobSeconds,
	)
	if withRuntime {
		r.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Handler serves the registry in the prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordLineageGap counts one sentinel fallback
func (r *Registry) RecordLineageGap() {
	r.lineageGaps.Inc()
}

// RecordAttributeNotFound counts one taxon excluded under model
func (r *Registry) RecordAttributeNotFound(model string) {
	r.attributeNotFound.WithLabelValues(model).Inc()
}

// ObserveBackgroundBuild records a finished build
func (r *Registry) ObserveBackgroundBuild(name string, duration time.Duration, summaries int) {
	r.buildSeconds.WithLabelValues(name).Observe(duration.Seconds())
	r.summaries.WithLabelValues(name).Set(float64(summaries))
}

// SetHighlighted records the highlighted count of the latest report
func (r *Registry) SetHighlighted(n int) {
	r.highlighted.Set(float64(n))
}

// RecordJob records a finished pulse job
func (r *Registry) RecordJob(handlerName string, status string, duration time.Duration) {
	r.jobs.WithLabelValues(handlerName, status).Inc()
	r.jobSeconds.WithLabelValues(handlerName).Observe(duration.Seconds())
}
