package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Meteo backend calls by endpoint and status. Watch for: error vs success ratio.
	BackendCallsTotal *prometheus.CounterVec

	// Meteo backend latency. The AI endpoints are slow; alert on p99 > 10s.
	BackendDuration *prometheus.HistogramVec

	// Retry attempts against the backend. Zero unless retries are configured.
	BackendRetriesTotal *prometheus.CounterVec

	// Backend failures by stable category (see client.CategorizeError).
	BackendErrorsTotal *prometheus.CounterVec

	// Circuit breaker state per component: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping between open and half-open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Widget refresh cycles by panel (combined, ai_rain) and outcome (applied, superseded, error, cancelled).
	RefreshCyclesTotal *prometheus.CounterVec

	// Chart upserts by operation (create, update). create must stay at 1 per widget.
	ChartUpdatesTotal *prometheus.CounterVec

	// Notifications by outcome (delivered, suppressed, failed).
	NotificationsTotal *prometheus.CounterVec

	// Ask-the-AI requests by outcome (reply, fallback).
	AskRequestsTotal *prometheus.CounterVec

	// Rate limit denials on /widget/ask.
	RateLimitDeniedTotal prometheus.Counter

	// Offline worker responses by source (cache, network, fallback, unavailable).
	OfflineResponsesTotal *prometheus.CounterVec

	// Offline worker lifecycle phase durations (install, activate).
	OfflinePhaseDurationSeconds *prometheus.HistogramVec

	// Stale cache generations removed on activation.
	OfflineCachesDeletedTotal prometheus.Counter

	// Offline worker state as its numeric value (see offline.State).
	OfflineWorkerState prometheus.Gauge
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
	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendCallsTotal",
			Help: "Total number of meteo backend calls",
		},
		[]string{"endpoint", "status"},
	)
	BackendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backendDurationSeconds",
			Help:    "Meteo backend latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status"},
	)
	BackendRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendRetriesTotal",
			Help: "Total number of retry attempts for meteo backend calls",
		},
		[]string{"endpoint"},
	)
	BackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backendErrorsTotal",
			Help: "Meteo backend failures by category",
		},
		[]string{"endpoint", "category"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RefreshCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetRefreshCyclesTotal",
			Help: "Widget refresh cycles by panel and outcome",
		},
		[]string{"panel", "outcome"},
	)
	ChartUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetChartUpdatesTotal",
			Help: "Chart upserts by operation",
		},
		[]string{"op"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notificationsTotal",
			Help: "Notifications by outcome",
		},
		[]string{"outcome"},
	)
	AskRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askRequestsTotal",
			Help: "Ask-the-AI requests by outcome",
		},
		[]string{"outcome"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	OfflineResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offlineResponsesTotal",
			Help: "Offline worker responses by source",
		},
		[]string{"source"},
	)
	OfflinePhaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offlinePhaseDurationSeconds",
			Help:    "Offline worker install/activate duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"phase"},
	)
	OfflineCachesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offlineCachesDeletedTotal",
			Help: "Stale cache generations deleted on activation",
		},
	)
	OfflineWorkerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offlineWorkerState",
			Help: "Offline worker lifecycle state",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		BackendCallsTotal, BackendDuration, BackendRetriesTotal, BackendErrorsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RefreshCyclesTotal, ChartUpdatesTotal, NotificationsTotal, AskRequestsTotal,
		RateLimitDeniedTotal,
		OfflineResponsesTotal, OfflinePhaseDurationSeconds, OfflineCachesDeletedTotal, OfflineWorkerState,
	)
}

// RecordCircuitBreakerTransition counts a breaker transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
