package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every platform instrument.
const namespace = "geofuse"

// Metrics holds the platform-level instruments every component shares.
// Domain counters (tracks spawned, windows flushed) live with the
// components that own them.
type Metrics struct {
	// Service metrics
	ServiceStatus      *prometheus.GaugeVec
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

// NewMetrics builds the full platform instrument set, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: gaugeVec("service", "status",
			"Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			"service"),
		MessagesReceived: counterVec("messages", "received_total",
			"Messages consumed from NATS subjects",
			"service", "type"),
		MessagesProcessed: counterVec("messages", "processed_total",
			"Messages processed, labeled by outcome",
			"service", "type", "status"),
		MessagesPublished: counterVec("messages", "published_total",
			"Messages published, labeled by subject",
			"service", "subject"),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Time spent in a processing operation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		ErrorsTotal: counterVec("errors", "total",
			"Errors raised, labeled by error type",
			"service", "type"),
		HealthCheckStatus: gaugeVec("health", "status",
			"Health check status (0=unhealthy, 1=healthy)",
			"service"),

		NATSConnected: gauge("nats", "connected",
			"NATS connection status (0=disconnected, 1=connected)"),
		NATSRTT: gauge("nats", "rtt_milliseconds",
			"NATS round-trip time in milliseconds"),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: gauge("nats", "circuit_breaker",
			"NATS circuit breaker status (0=closed, 1=open, 2=half-open)"),
	}
}

// RecordServiceStatus updates the per-service lifecycle gauge.
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

func (c *Metrics) RecordMessageReceived(service, messageType string) {
	c.MessagesReceived.WithLabelValues(service, messageType).Inc()
}

func (c *Metrics) RecordMessageProcessed(service, messageType, status string) {
	c.MessagesProcessed.WithLabelValues(service, messageType, status).Inc()
}

func (c *Metrics) RecordMessagePublished(service, subject string) {
	c.MessagesPublished.WithLabelValues(service, subject).Inc()
}

func (c *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	c.HealthCheckStatus.WithLabelValues(service).Set(boolGauge(healthy))
}

func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolGauge(connected))
}

func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
