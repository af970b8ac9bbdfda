package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/photonworks/spectro-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Instrument command rate by command and outcome. Watch for: error vs success ratio per command.
	DeviceCommandsTotal *prometheus.CounterVec

	// Single command round-trip latency. Watch for: reads creeping toward the 10s transfer timeout.
	DeviceCommandDuration *prometheus.HistogramVec

	// Full measurement sequence latency. Watch for: p95 > 5s (slow optics or low light), p99 near max wait.
	MeasurementDuration *prometheus.HistogramVec

	// Measurement rate by outcome. Watch for: error ratio, breaker trips.
	MeasurementsTotal *prometheus.CounterVec

	// Requests answered by another caller's in-flight measurement.
	CoalescedRequestsTotal prometheus.Counter

	// Cache hits by backend. Misses = measurementsTotal - hits.
	CacheHitsTotal *prometheus.CounterVec

	// Cache failures by operation. Watch for: memcached connectivity loss.
	CacheErrorsTotal *prometheus.CounterVec

	// History writes. Watch for: write errors = measurements lost from history.
	StoreWritesTotal      prometheus.Counter
	StoreWriteErrorsTotal prometheus.Counter

	// Background sampler activity.
	SamplerRunsTotal       prometheus.Counter
	SamplerErrorsTotal     prometheus.Counter
	SamplerDurationSeconds prometheus.Histogram

	// Circuit breaker state: 0 closed, 1 half-open, 2 open.
	BreakerState prometheus.Gauge

	// Circuit breaker transitions by target state. Watch for: flapping between open and half-open.
	BreakerTransitionsTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	DeviceCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deviceCommandsTotal",
			Help: "Total number of instrument commands sent over USB",
		},
		[]string{"command", "status"},
	)
	DeviceCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deviceCommandDurationSeconds",
			Help:    "Single command round-trip latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"command"},
	)
	MeasurementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "measurementDurationSeconds",
			Help:    "Full measurement sequence latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"status"},
	)
	MeasurementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurementsTotal",
			Help: "Total number of measurement requests by outcome",
		},
		[]string{"status"},
	)
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedRequestsTotal",
			Help: "Requests served by joining another caller's in-flight measurement",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of snapshot cache hits by backend",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Snapshot cache operations that failed",
		},
		[]string{"operation"},
	)
	StoreWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storeWritesTotal",
			Help: "Measurements persisted to the history store",
		},
	)
	StoreWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storeWriteErrorsTotal",
			Help: "Failed history store writes",
		},
	)
	SamplerRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "samplerRunsTotal",
			Help: "Background sampler runs",
		},
	)
	SamplerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "samplerErrorsTotal",
			Help: "Background sampler runs that failed",
		},
	)
	SamplerDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "samplerDurationSeconds",
			Help:    "Background sampler run latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30},
		},
	)
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "instrumentBreakerState",
			Help: "Instrument circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instrumentBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions by target state",
		},
		[]string{"to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		DeviceCommandsTotal, DeviceCommandDuration, MeasurementDuration, MeasurementsTotal,
		CoalescedRequestsTotal, CacheHitsTotal, CacheErrorsTotal,
		StoreWritesTotal, StoreWriteErrorsTotal,
		SamplerRunsTotal, SamplerErrorsTotal, SamplerDurationSeconds,
		BreakerState, BreakerTransitionsTotal, RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow. Uses same window as health checks.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
