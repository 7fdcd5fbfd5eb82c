// Package metrics holds the Prometheus collectors for build delivery.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voxelbench.ai/internal/cache"
)

const namespace = "voxelbench"

type Metrics struct {
	Preparations     *prometheus.CounterVec
	PrepareSeconds   prometheus.Histogram
	LenientFallbacks prometheus.Counter

	StreamRequests *prometheus.CounterVec
	ActiveStreams  prometheus.Gauge
	StreamErrors   *prometheus.CounterVec

	ArtifactLookups   *prometheus.CounterVec
	PrecomputeUploads *prometheus.CounterVec

	RateLimited prometheus.Counter

	reg prometheus.Registerer
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Preparations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prepare", Name: "total",
			Help: "Build preparations by outcome.",
		}, []string{"outcome"}),
		PrepareSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "prepare", Name: "duration_seconds",
			Help:    "Time spent resolving, validating and deriving a build.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		LenientFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prepare", Name: "lenient_fallbacks_total",
			Help: "Payloads that failed strict validation but parsed leniently.",
		}),
		StreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "requests_total",
			Help: "Served build streams by transport, source and variant.",
		}, []string{"transport", "source", "variant"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "active",
			Help: "Streams currently being written.",
		}),
		StreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "errors_total",
			Help: "Requests that failed, by status class.",
		}, []string{"reason"}),
		ArtifactLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "artifact", Name: "lookups_total",
			Help: "Durable artifact lookups by outcome.",
		}, []string{"outcome"}),
		PrecomputeUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "artifact", Name: "precompute_total",
			Help: "Artifact precompute jobs by outcome.",
		}, []string{"outcome"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}

func (m *Metrics) ObservePrepare(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Preparations.WithLabelValues(outcome).Inc()
	m.PrepareSeconds.Observe(d.Seconds())
}

func (m *Metrics) LenientFallback() {
	if m == nil {
		return
	}
	m.LenientFallbacks.Inc()
}

// StreamStarted counts a stream and returns the func that ends it.
func (m *Metrics) StreamStarted(transport, source, variant string) func() {
	if m == nil {
		return func() {}
	}
	m.StreamRequests.WithLabelValues(transport, source, variant).Inc()
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

func (m *Metrics) StreamError(reason string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ArtifactLookup(outcome string) {
	if m == nil {
		return
	}
	m.ArtifactLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Precompute(outcome string) {
	if m == nil {
		return
	}
	m.PrecomputeUploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// WatchCache exports cache stats through collector funcs read at scrape
// time.
func (m *Metrics) WatchCache(stats func() cache.Stats) {
	if m == nil || stats == nil {
		return
	}
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "entries",
		Help: "Prepared builds held in memory.",
	}, func() float64 { return float64(stats().Entries) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "weight_bytes",
		Help: "Estimated memory weight of cached builds.",
	}, func() float64 { return float64(stats().Weight) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "Cache hits.",
	}, func() float64 { return float64(stats().Hits) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "Cache misses.",
	}, func() float64 { return float64(stats().Misses) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "loads_total",
		Help: "Preparations run on behalf of the cache.",
	}, func() float64 { return float64(stats().Loads) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
		Help: "Entries evicted under entry or weight pressure.",
	}, func() float64 { return float64(stats().Evictions) })
}

// WatchQueue exports a queue depth read at scrape time.
func (m *Metrics) WatchQueue(name string, depth func() int) {
	if m == nil || depth == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: name, Name: "queue_depth",
		Help: "Jobs waiting in the " + name + " queue.",
	}, func() float64 { return float64(depth()) })
}
