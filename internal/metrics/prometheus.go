package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for bisection metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	iterationsTotal *prometheus.CounterVec
	powerCyclesTotal *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	breakerTrips    *prometheus.CounterVec
	uptime          prometheus.GaugeFunc
}

// Default histogram buckets for phase duration, in milliseconds.
var defaultBuckets = []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 300000, 900000, 1800000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Total number of bisection iterations by aggregate verdict",
			},
			[]string{"verdict"},
		),

		powerCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "power_cycles_total",
				Help:      "Total number of PowerController cycle calls by backend and result",
			},
			[]string{"backend", "result"},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_ms",
				Help:      "Duration of a HostRunner phase in milliseconds",
				Buckets:   buckets,
			},
			[]string{"host", "phase"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per host+backend (0=closed, 1=open, 2=half_open)",
			},
			[]string{"key"},
		),

		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of times a power backend's circuit breaker tripped open",
			},
			[]string{"key"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started",
		},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.iterationsTotal,
		pm.powerCyclesTotal,
		pm.phaseDuration,
		pm.breakerState,
		pm.breakerTrips,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusIteration increments the per-verdict iteration counter.
func RecordPrometheusIteration(verdict string) {
	if promMetrics == nil {
		return
	}
	promMetrics.iterationsTotal.WithLabelValues(verdict).Inc()
}

// RecordPrometheusPowerCycle increments the per-backend power-cycle counter.
func RecordPrometheusPowerCycle(backend string, ok bool) {
	if promMetrics == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	promMetrics.powerCyclesTotal.WithLabelValues(backend, result).Inc()
}

// RecordPrometheusPhaseDuration observes a phase duration for a host.
func RecordPrometheusPhaseDuration(hostID, phase string, durationMs int64) {
	if promMetrics == nil || durationMs <= 0 {
		return
	}
	promMetrics.phaseDuration.WithLabelValues(hostID, phase).Observe(float64(durationMs))
}

// SetBreakerState reports the current breaker state (0/1/2) for a host+backend key.
func SetBreakerState(key string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(key).Set(float64(state))
}

// RecordBreakerTrip increments the trip counter for a host+backend key.
func RecordBreakerTrip(key string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTrips.WithLabelValues(key).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "prometheus metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}
