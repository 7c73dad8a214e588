package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for fork analysis. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Job metrics
	Jobs        *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Scanning metrics
	ArtifactsScanned   prometheus.Counter
	ScanCacheHits      prometheus.Counter
	CapabilityFailures *prometheus.CounterVec
	Indicators         *prometheus.CounterVec

	// Release metrics
	AssetFetchFailures prometheus.Counter

	// Publishing metrics
	ReportsPublished *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates a Metrics instance registered with registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forksentry_jobs_total",
				Help: "Total number of analysis jobs by outcome",
			},
			[]string{"outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forksentry_job_duration_seconds",
				Help:    "Analysis job duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"outcome"},
		),
		ArtifactsScanned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forksentry_artifacts_scanned_total",
				Help: "Total number of artifacts handed to scanners",
			},
		),
		ScanCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forksentry_scan_cache_hits_total",
				Help: "Artifacts whose verdict was reused from identical content",
			},
		),
		CapabilityFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forksentry_capability_failures_total",
				Help: "Scanner capability failures by capability",
			},
			[]string{"capability"},
		),
		Indicators: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forksentry_indicators_total",
				Help: "Indicators raised by capability",
			},
			[]string{"capability"},
		),
		AssetFetchFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forksentry_asset_fetch_failures_total",
				Help: "Release assets that could not be downloaded",
			},
		),
		ReportsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forksentry_reports_published_total",
				Help: "Reports handed to sinks by result",
			},
			[]string{"success"},
		),
		gatherer: registry,
	}
}

// NewRegistry creates a fresh registry with metrics attached.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	return reg, NewMetrics(reg)
}

// Handler serves the registry this instance was created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveJob(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
	m.JobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ArtifactScanned(cached bool) {
	if m == nil {
		return
	}
	m.ArtifactsScanned.Inc()
	if cached {
		m.ScanCacheHits.Inc()
	}
}

func (m *Metrics) CapabilityFailed(capability string) {
	if m == nil {
		return
	}
	m.CapabilityFailures.WithLabelValues(capability).Inc()
}

func (m *Metrics) IndicatorRaised(capability string) {
	if m == nil {
		return
	}
	m.Indicators.WithLabelValues(capability).Inc()
}

func (m *Metrics) AssetFetchFailed() {
	if m == nil {
		return
	}
	m.AssetFetchFailures.Inc()
}

func (m *Metrics) ReportPublished(success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.ReportsPublished.WithLabelValues(label).Inc()
}
