// Package metrics exposes gemrelay's Prometheus series. Every method is safe
// on a nil *Collector so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gemrelay"

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

type Collector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamAttempts *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	cacheVariants    prometheus.Counter
	rateLimited      *prometheus.CounterVec
	keepAlives       prometheus.Counter
}

// New registers every series on a private registry together with the Go
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound chat completion requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to answer an inbound chat completion request.",
			Buckets:   latencyBuckets,
		}, []string{"mode"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "Individual upstream attempts by outcome.",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempt_duration_seconds",
			Help:      "Latency of individual upstream attempts.",
			Buckets:   latencyBuckets,
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		cacheVariants: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "variants_stored_total",
			Help:      "Alternate completions stored from concurrent dispatch.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by window.",
		}, []string{"scope"}),
		keepAlives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "keepalives_total",
			Help:      "Keep-alive chunks sent while waiting on the backend.",
		}),
	}
	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.upstreamAttempts,
		c.upstreamDuration,
		c.cacheLookups,
		c.cacheVariants,
		c.rateLimited,
		c.keepAlives,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// KeyPoolFunc reports (healthy, total) credentials at scrape time.
type KeyPoolFunc func() (healthy, total int)

func (c *Collector) RegisterKeyPool(fn KeyPoolFunc) {
	if c == nil || fn == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "healthy",
			Help:      "Credentials currently selectable.",
		}, func() float64 {
			h, _ := fn()
			return float64(h)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      "total",
			Help:      "Credentials in the pool.",
		}, func() float64 {
			_, t := fn()
			return float64(t)
		}),
	)
}

// RegisterCacheEntries exposes the entry count of the response cache.
func (c *Collector) RegisterCacheEntries(fn func() int) {
	if c == nil || fn == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries in the response cache, variants included.",
	}, func() float64 { return float64(fn()) }))
}

func (c *Collector) ObserveRequest(mode, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(mode, outcome).Inc()
	c.requestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveUpstream satisfies upstream.Observer.
func (c *Collector) ObserveUpstream(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.upstreamAttempts.WithLabelValues(outcome).Inc()
	c.upstreamDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("hit").Inc()
}

func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

func (c *Collector) VariantStored() {
	if c == nil {
		return
	}
	c.cacheVariants.Inc()
}

func (c *Collector) RateLimited(scope string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(scope).Inc()
}

func (c *Collector) KeepAlive() {
	if c == nil {
		return
	}
	c.keepAlives.Inc()
}
