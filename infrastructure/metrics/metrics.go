// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Hub domain metrics
	ServiceCallTotal    *prometheus.CounterVec
	ServiceCallDuration *prometheus.HistogramVec
	StateChangesTotal   prometheus.Counter
	EventsFiredTotal    prometheus.Counter
	PluginFuelExhausted *prometheus.CounterVec
	PluginCPUPercent    *prometheus.GaugeVec
	PluginRSSBytes      *prometheus.GaugeVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Hub domain metrics
		ServiceCallTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_service_calls_total",
				Help: "Total number of domain.service dispatches",
			},
			[]string{"domain", "service", "status"},
		),
		ServiceCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_service_call_duration_seconds",
				Help:    "Service call handler duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"domain", "service"},
		),
		StateChangesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_state_changes_total",
				Help: "Total number of State Machine set() calls",
			},
		),
		EventsFiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_events_fired_total",
				Help: "Total number of state_changed events fired on the bus",
			},
		),
		PluginFuelExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_plugin_fuel_exhausted_total",
				Help: "Total number of plugin invocations that exceeded their fuel budget",
			},
			[]string{"plugin", "entrypoint"},
		),
		PluginCPUPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_plugin_cpu_percent",
				Help: "Most recently sampled CPU usage percent per plugin host process",
			},
			[]string{"plugin"},
		),
		PluginRSSBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_plugin_rss_bytes",
				Help: "Most recently sampled resident set size per plugin host process",
			},
			[]string{"plugin"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.ServiceCallTotal,
			m.ServiceCallDuration,
			m.StateChangesTotal,
			m.EventsFiredTotal,
			m.PluginFuelExhausted,
			m.PluginCPUPercent,
			m.PluginRSSBytes,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordServiceCall records a domain.service dispatch.
func (m *Metrics) RecordServiceCall(domain, service, status string, duration time.Duration) {
	m.ServiceCallTotal.WithLabelValues(domain, service, status).Inc()
	m.ServiceCallDuration.WithLabelValues(domain, service).Observe(duration.Seconds())
}

// RecordPluginFuelExhausted records a plugin invocation that tripped its
// fuel watchdog.
func (m *Metrics) RecordPluginFuelExhausted(plugin, entrypoint string) {
	m.PluginFuelExhausted.WithLabelValues(plugin, entrypoint).Inc()
}

// SetPluginResourceUsage records a plugin host process's most recently
// sampled CPU/RSS reading.
func (m *Metrics) SetPluginResourceUsage(plugin string, cpuPercent float64, rssBytes uint64) {
	m.PluginCPUPercent.WithLabelValues(plugin).Set(cpuPercent)
	m.PluginRSSBytes.WithLabelValues(plugin).Set(float64(rssBytes))
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("HUB_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

func isProduction() bool {
	return getEnvironment() == "production"
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !isProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
