package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the operation engine and the LXD
// client. A nil *Metrics or one built with Enabled=false records nothing.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	operationRetries    *prometheus.CounterVec
	activeOperations    prometheus.Gauge

	// API metrics
	apiCalls    *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiErrors   *prometheus.CounterVec

	// Container metrics
	containers      *prometheus.GaugeVec
	refreshes       *prometheus.CounterVec
	connected       prometheus.Gauge
	eventReconnects prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of container operations accepted",
			},
			[]string{"kind"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of container operations that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of container operations from submission to terminal state",
				Buckets:   buckets,
			},
			[]string{"kind", "state"},
		),
		operationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of re-issued API calls",
			},
			[]string{"kind", "error_kind"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of non-terminal operations",
			},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_total",
				Help:      "Total number of LXD API calls",
			},
			[]string{"method", "endpoint", "code"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_call_duration_seconds",
				Help:      "Latency of LXD API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "endpoint"},
		),
		apiErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of failed LXD API calls by error kind",
			},
			[]string{"endpoint", "error_kind"},
		),

		containers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "containers",
				Help:      "Current number of containers by status",
			},
			[]string{"status"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Total number of container list refreshes",
			},
			[]string{"result"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "api_connected",
				Help:      "1 if the last refresh reached the LXD API, 0 otherwise",
			},
		),
		eventReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_stream_reconnects_total",
				Help:      "Total number of event stream reconnects",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.operationRetries,
		m.activeOperations,
		m.apiCalls,
		m.apiDuration,
		m.apiErrors,
		m.containers,
		m.refreshes,
		m.connected,
		m.eventReconnects,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordOperationStarted records an accepted operation.
func (m *Metrics) RecordOperationStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(kind).Inc()
}

// RecordOperationCompleted records an operation reaching a terminal state.
func (m *Metrics) RecordOperationCompleted(kind, state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsCompleted.WithLabelValues(kind, state).Inc()
	m.operationDuration.WithLabelValues(kind, state).Observe(duration.Seconds())
}

// RecordRetry records a re-issued call.
func (m *Metrics) RecordRetry(kind, errorKind string) {
	if !m.enabled() {
		return
	}
	m.operationRetries.WithLabelValues(kind, errorKind).Inc()
}

// SetActiveOperations sets the number of non-terminal operations.
func (m *Metrics) SetActiveOperations(count int) {
	if !m.enabled() {
		return
	}
	m.activeOperations.Set(float64(count))
}

// RecordAPICall records one API round trip. A code of 0 means no response
// was received.
func (m *Metrics) RecordAPICall(method, endpoint string, code int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.apiCalls.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	m.apiDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAPIError records a failed API call.
func (m *Metrics) RecordAPIError(endpoint, errorKind string) {
	if !m.enabled() {
		return
	}
	m.apiErrors.WithLabelValues(endpoint, errorKind).Inc()
}

// SetContainerCounts replaces the per-status container gauges.
func (m *Metrics) SetContainerCounts(counts map[string]int) {
	if !m.enabled() {
		return
	}
	m.containers.Reset()
	for status, n := range counts {
		m.containers.WithLabelValues(status).Set(float64(n))
	}
}

// RecordRefresh records a refresh outcome and updates the connectivity gauge.
func (m *Metrics) RecordRefresh(ok bool) {
	if !m.enabled() {
		return
	}
	if ok {
		m.refreshes.WithLabelValues("success").Inc()
		m.connected.Set(1)
		return
	}
	m.refreshes.WithLabelValues("failure").Inc()
	m.connected.Set(0)
}

// RecordEventReconnect records an event stream reconnect.
func (m *Metrics) RecordEventReconnect() {
	if !m.enabled() {
		return
	}
	m.eventReconnects.Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint until ctx is done. It returns nil
// immediately when metrics are disabled or no listen address is configured.
func (m *Metrics) ServeMetrics(ctx context.Context) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
