package engine

import (
	"github.com/c360/geofuse/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds Prometheus metrics for engine operations.
type engineMetrics struct {
	// Component lifecycle operations
	builds *prometheus.CounterVec // By component and status (success/failure)
	starts *prometheus.CounterVec // By component and status
	stops  *prometheus.CounterVec // By component and status

	// Operation latency
	startDuration *prometheus.HistogramVec // By component
	stopDuration  *prometheus.HistogramVec // By component

	// State metrics
	activeComponents prometheus.Gauge // Current number of running components
}

// newEngineMetrics creates and registers engine metrics with the provided registry.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &engineMetrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "engine",
			Name:      "component_builds_total",
			Help:      "Total number of component build operations",
		}, []string{"component", "status"}), // status: success, failure

		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "engine",
			Name:      "component_starts_total",
			Help:      "Total number of component start operations",
		}, []string{"component", "status"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "engine",
			Name:      "component_stops_total",
			Help:      "Total number of component stop operations",
		}, []string{"component", "status"}),

		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "engine",
			Name:      "component_start_duration_seconds",
			Help:      "Component start duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"component"}),

		stopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "engine",
			Name:      "component_stop_duration_seconds",
			Help:      "Component stop duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"component"}),

		activeComponents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofuse",
			Subsystem: "engine",
			Name:      "active_components",
			Help:      "Current number of active (running) components",
		}),
	}

	// Register all metrics
	if err := registry.RegisterCounterVec("engine", "component_builds", m.builds); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "component_starts", m.starts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "component_stops", m.stops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "component_start_duration", m.startDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "component_stop_duration", m.stopDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "active_components", m.activeComponents); err != nil {
		return nil, err
	}

	return m, nil
}

// recordBuild records a component build operation.
func (m *engineMetrics) recordBuild(component string, success bool) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}

	m.builds.WithLabelValues(component, status).Inc()
}

// recordStart records a component start operation.
func (m *engineMetrics) recordStart(component string, success bool, duration float64) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}

	m.starts.WithLabelValues(component, status).Inc()
	m.startDuration.WithLabelValues(component).Observe(duration)

	if success {
		m.activeComponents.Inc()
	}
}

// recordStop records a component stop operation.
func (m *engineMetrics) recordStop(component string, success bool, duration float64) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}

	m.stops.WithLabelValues(component, status).Inc()
	m.stopDuration.WithLabelValues(component).Observe(duration)

	if success {
		m.activeComponents.Dec()
	}
}
