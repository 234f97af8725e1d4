// Package telemetry exposes process metrics behind small interfaces so that
// call sites never check whether Prometheus is enabled. Every metric starts as
// a noop and is replaced by InitMetrics once InitializeTelemetry has created
// the registry.
package telemetry

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/maxpert/conveyor/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "conveyor"

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Observe(float64)   {}
func (NoopStat) Set(float64)       {}
func (NoopStat) Dec()              {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) SetToCurrentTime() {}
func (NoopStat) Inc()              {}
func (NoopStat) Add(float64)       {}

// labeled resolves a metric from label values
type labeled[M any] func(labels ...string) M

func (l labeled[M]) With(labels ...string) M { return l(labels...) }

var (
	noopCounterVec   CounterVec   = labeled[Counter](func(...string) Counter { return NoopStat{} })
	noopGaugeVec     GaugeVec     = labeled[Gauge](func(...string) Gauge { return NoopStat{} })
	noopHistogramVec HistogramVec = labeled[Histogram](func(...string) Histogram { return NoopStat{} })
)

func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		ConstLabels: prometheus.Labels{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := opts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec
	}
	v := register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))
	return labeled[Counter](func(values ...string) Counter { return v.WithLabelValues(values...) })
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec
	}
	v := register(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels))
	return labeled[Gauge](func(values ...string) Gauge { return v.WithLabelValues(values...) })
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec
	}
	v := register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))
	return labeled[Histogram](func(values ...string) Histogram { return v.WithLabelValues(values...) })
}

// RegisterDBStats exports the sql.DB pool statistics of the event store
func RegisterDBStats(db *sql.DB, dbName string) {
	if registry == nil || db == nil {
		return
	}
	registry.MustRegister(collectors.NewDBStatsCollector(db, dbName))
}

// InitializeTelemetry creates the registry when Prometheus is enabled.
// Metrics stay noop until this and InitMetrics are called.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	log.Info().Msg("Prometheus metrics enabled - served on HTTP port at /metrics")
}

// GetMetricsHandler returns the Prometheus handler, or nil when metrics are disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
