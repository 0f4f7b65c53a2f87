// Package metrics wraps a Prometheus registry with the counters and
// histograms the core's request pipeline, cache, and worker pool report
// through.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metric instruments exposed by the core.
type Collector struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestTotal    *prometheus.CounterVec

	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	CacheExpiries prometheus.Counter

	OpenHandles prometheus.Gauge
}

// New builds a Collector registered against a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "s3corefs",
			Name:      "request_duration_seconds",
			Help:      "Duration of Request.Run calls by HTTP method and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "s3corefs",
			Name:      "requests_total",
			Help:      "Total Request.Run calls by HTTP method and outcome.",
		}, []string{"method", "outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3corefs",
			Name:      "cache_hits_total",
			Help:      "ObjectCache lookups served from a fresh entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3corefs",
			Name:      "cache_misses_total",
			Help:      "ObjectCache lookups that found no entry.",
		}),
		CacheExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "s3corefs",
			Name:      "cache_expiries_total",
			Help:      "ObjectCache lookups that evicted a stale entry.",
		}),
		OpenHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "s3corefs",
			Name:      "open_handles",
			Help:      "Number of currently open file handles.",
		}),
	}

	reg.MustRegister(c.RequestDuration, c.RequestTotal, c.CacheHits, c.CacheMisses, c.CacheExpiries, c.OpenHandles)
	return c
}

// RecordRequest records one request.Request.Run call's duration and
// outcome against RequestDuration and RequestTotal. Satisfies
// request.MetricsRecorder.
func (c *Collector) RecordRequest(method string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.RequestDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
	c.RequestTotal.WithLabelValues(method, outcome).Inc()
}

// Handler returns the promhttp handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CacheStatsSource exposes cumulative hit/miss/expiry totals (e.g.
// cache.Cache.Stats). Sync snapshots them into the Counter instruments,
// which only support Add. Since the source counters are already
// cumulative and monotonic, Sync converts by tracking the last-seen value
// and adding only the delta.
type CacheStatsSource interface {
	Stats() (hits, misses, expiries uint64)
}

// Sync adds the delta between the previous poll and src's current
// cumulative counters to the collector's counters.
func (c *Collector) Sync(prevHits, prevMisses, prevExpiries *uint64, src CacheStatsSource) {
	hits, misses, expiries := src.Stats()
	c.CacheHits.Add(float64(hits - *prevHits))
	c.CacheMisses.Add(float64(misses - *prevMisses))
	c.CacheExpiries.Add(float64(expiries - *prevExpiries))
	*prevHits, *prevMisses, *prevExpiries = hits, misses, expiries
}
