package fusion

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/geofuse/metric"
)

// Metrics holds the Prometheus instruments for one pipeline instance.
type Metrics struct {
	detectionsReceived  prometheus.Counter
	detectionsMalformed prometheus.Counter
	detectionsOverflow  prometheus.Counter
	detectionsLate      prometheus.Counter
	framesClosed        *prometheus.CounterVec
	clustersFormed      prometheus.Counter
	identitiesCreated   prometheus.Counter
	identitiesConfirmed prometheus.Counter
	identitiesPurged    prometheus.Counter
	identitiesLive      prometheus.Gauge
	eventsEmitted       prometheus.Counter
	frameDuration       prometheus.Histogram
}

// newMetrics creates and registers the pipeline metrics under the given
// prefix. Returns nil when no registry is configured; every recording
// site is nil-safe.
func newMetrics(registry *metric.MetricsRegistry, prefix string) *Metrics {
	if registry == nil || prefix == "" {
		return nil
	}

	m := &Metrics{
		detectionsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_detections_received_total",
			Help: "Total detections offered to the pipeline",
		}),
		detectionsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_detections_malformed_total",
			Help: "Total detections rejected at ingestion by validation",
		}),
		detectionsOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_detections_dropped_overflow_total",
			Help: "Total detections dropped by source buffer overflow",
		}),
		detectionsLate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_detections_dropped_late_total",
			Help: "Total detections dropped for arriving after their frame closed",
		}),
		framesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_frames_closed_total",
			Help: "Total frames closed, by close reason",
		}, []string{"reason"}),
		clustersFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_clusters_formed_total",
			Help: "Total clusters produced by the spatial matcher",
		}),
		identitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_identities_created_total",
			Help: "Total tentative identities created",
		}),
		identitiesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_identities_confirmed_total",
			Help: "Total identities promoted to confirmed",
		}),
		identitiesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_identities_purged_total",
			Help: "Total identities purged after exceeding the miss threshold",
		}),
		identitiesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_identities_live",
			Help: "Current number of live identities",
		}),
		eventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_events_emitted_total",
			Help: "Total merged events emitted",
		}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_frame_processing_duration_seconds",
			Help:    "Time spent processing one closed frame",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}

	service := "fusion"
	registry.RegisterCounter(service, prefix+"_detections_received_total", m.detectionsReceived)
	registry.RegisterCounter(service, prefix+"_detections_malformed_total", m.detectionsMalformed)
	registry.RegisterCounter(service, prefix+"_detections_dropped_overflow_total", m.detectionsOverflow)
	registry.RegisterCounter(service, prefix+"_detections_dropped_late_total", m.detectionsLate)
	registry.RegisterCounterVec(service, prefix+"_frames_closed_total", m.framesClosed)
	registry.RegisterCounter(service, prefix+"_clusters_formed_total", m.clustersFormed)
	registry.RegisterCounter(service, prefix+"_identities_created_total", m.identitiesCreated)
	registry.RegisterCounter(service, prefix+"_identities_confirmed_total", m.identitiesConfirmed)
	registry.RegisterCounter(service, prefix+"_identities_purged_total", m.identitiesPurged)
	registry.RegisterGauge(service, prefix+"_identities_live", m.identitiesLive)
	registry.RegisterCounter(service, prefix+"_events_emitted_total", m.eventsEmitted)
	registry.RegisterHistogram(service, prefix+"_frame_processing_duration_seconds", m.frameDuration)

	return m
}
