package geofusion

import (
	"time"

	"github.com/c360/geofuse/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// fusionProcMetrics holds Prometheus metrics for the processor's message
// handling. Pipeline internals (frames, clusters, identities) register
// their own metrics separately.
type fusionProcMetrics struct {
	batchesTotal    *prometheus.CounterVec // By component and status (ok/error)
	detectionsTotal *prometheus.CounterVec // By component
	errorsTotal     *prometheus.CounterVec // By component and error_type

	publishDuration *prometheus.HistogramVec // By component
}

// newFusionProcMetrics creates and registers processor metrics with the provided registry.
func newFusionProcMetrics(registry *metric.MetricsRegistry) (*fusionProcMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &fusionProcMetrics{
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "geofusion",
			Name:      "batches_total",
			Help:      "Total number of detection batches handled",
		}, []string{"component", "status"}),

		detectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "geofusion",
			Name:      "detections_total",
			Help:      "Total number of detections accepted into the pipeline",
		}, []string{"component"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "geofusion",
			Name:      "errors_total",
			Help:      "Total number of message handling errors",
		}, []string{"component", "error_type"}), // error_type: parse, type, validation, ingest, marshal, publish

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "geofusion",
			Name:      "publish_duration_seconds",
			Help:      "Fused object publish duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"component"}),
	}

	if err := registry.RegisterCounterVec("geofusion", "batches_total", m.batchesTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("geofusion", "detections_total", m.detectionsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("geofusion", "errors_total", m.errorsTotal); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("geofusion", "publish_duration", m.publishDuration); err != nil {
		return nil, err
	}

	return m, nil
}

// recordBatch records one successfully handled detection batch.
func (m *fusionProcMetrics) recordBatch(componentName string, detections int) {
	if m == nil {
		return
	}

	m.batchesTotal.WithLabelValues(componentName, "ok").Inc()
	m.detectionsTotal.WithLabelValues(componentName).Add(float64(detections))
}

// recordError records a message handling error.
func (m *fusionProcMetrics) recordError(componentName, errorType string) {
	if m == nil {
		return
	}

	m.errorsTotal.WithLabelValues(componentName, errorType).Inc()
	m.batchesTotal.WithLabelValues(componentName, "error").Inc()
}

// recordPublish records one fused object publish.
func (m *fusionProcMetrics) recordPublish(componentName string, duration time.Duration) {
	if m == nil {
		return
	}

	m.publishDuration.WithLabelValues(componentName).Observe(duration.Seconds())
}
