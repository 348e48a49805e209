// Package geofusion provides the stream fusion processor. It consumes
// per-sensor detection batches from raw.detections.<source_id>, runs
// them through the fusion pipeline (time alignment, spatial clustering,
// identity tracking, merge resolution), and publishes consolidated
// object events on fused.objects.
package geofusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/fusion"
	"github.com/c360/geofuse/message"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/pkg/timestamp"
)

// Config holds configuration for the geo fusion processor.
type Config struct {
	Ports *component.PortConfig `json:"ports" schema:"type:ports,description:Port configuration,category:basic"`

	// Time alignment
	WindowSizeMs int64 `json:"window_size_ms" schema:"type:int,description:Alignment window size in milliseconds,required,category:basic"`
	MaxWaitMs    int64 `json:"max_wait_ms"    schema:"type:int,description:Maximum wall-clock wait before a frame closes anyway,required,category:basic"`

	// Spatial clustering and identity tracking
	DistanceThresholdM    float64 `json:"distance_threshold_m"    schema:"type:float,description:Maximum distance in meters for detections to cluster,required,category:basic"`
	AssociationThresholdM float64 `json:"association_threshold_m" schema:"type:float,description:Maximum distance in meters to associate a cluster with an existing identity,required,category:basic"`
	MissThreshold         int     `json:"miss_threshold"          schema:"type:int,description:Consecutive missed frames before an identity is purged,required,category:basic"`

	// Buffering
	QueueCapacity    int      `json:"queue_capacity"              schema:"type:int,description:Per-source detection buffer capacity,category:advanced"`
	ExclusiveClasses []string `json:"exclusive_classes,omitempty" schema:"type:array,description:Object classes that only cluster with the same class,category:advanced"`
}

// fusionConfig converts the wire configuration into pipeline settings.
func (c Config) fusionConfig() fusion.Config {
	return fusion.Config{
		WindowSize:            time.Duration(c.WindowSizeMs) * time.Millisecond,
		MaxWait:               time.Duration(c.MaxWaitMs) * time.Millisecond,
		DistanceThresholdM:    c.DistanceThresholdM,
		AssociationThresholdM: c.AssociationThresholdM,
		MissThreshold:         c.MissThreshold,
		QueueCapacity:         c.QueueCapacity,
		ExclusiveClasses:      c.ExclusiveClasses,
	}
}

// DefaultConfig returns the default configuration for the geo fusion processor.
func DefaultConfig() Config {
	inputDefs := []component.PortDefinition{
		{
			Name:        "nats_input",
			Type:        "nats",
			Subject:     "raw.detections.>",
			Interface:   "geo.detections.v1",
			Required:    true,
			Description: "Per-sensor detection batches (one subject per source)",
		},
	}

	outputDefs := []component.PortDefinition{
		{
			Name:        "nats_output",
			Type:        "nats",
			Subject:     "fused.objects",
			Interface:   "geo.merged.v1",
			Required:    true,
			Description: "Consolidated object events, one per confirmed identity per frame",
		},
	}

	// Only the ports carry defaults. The fusion tunables are
	// deployment-specific and stay zero so pipeline validation rejects
	// a config that does not set them explicitly.
	return Config{
		Ports: &component.PortConfig{
			Inputs:  inputDefs,
			Outputs: outputDefs,
		},
	}
}

// geoFusionSchema defines the configuration schema for the geo fusion processor
var geoFusionSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Processor fuses per-sensor detection streams into one merged object stream.
type Processor struct {
	name        string
	subjects    []string
	outputSubjs []string

	// jsStream/jsSubject carry the optional durable output: when set,
	// every merged event is also published to this JetStream stream.
	jsStream  string
	jsSubject string

	pipeline   *fusion.Pipeline
	natsClient *natsclient.Client
	logger     *slog.Logger

	// Lifecycle management
	shutdown    chan struct{}
	done        chan struct{}
	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	// Metrics (atomic counters for DataFlow)
	batchesProcessed   int64
	detectionsIngested int64
	eventsPublished    int64
	errors             int64
	lastActivity       time.Time

	// Prometheus metrics
	metrics *fusionProcMetrics
}

// NewProcessor creates a new geo fusion processor from configuration
func NewProcessor(
	rawConfig json.RawMessage, deps component.Dependencies,
) (component.Discoverable, error) {
	config := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, errors.WrapInvalid(err, "GeoFusionProcessor", "NewProcessor", "config unmarshal")
		}
	}

	if config.Ports == nil {
		config.Ports = DefaultConfig().Ports
	}

	var inputSubjects []string
	var outputSubjects []string
	var jsStream, jsSubject string

	for _, input := range config.Ports.Inputs {
		if input.Type == "nats" {
			inputSubjects = append(inputSubjects, input.Subject)
		}
	}
	for _, output := range config.Ports.Outputs {
		switch output.Type {
		case "nats":
			outputSubjects = append(outputSubjects, output.Subject)
		case "jetstream":
			if output.StreamName == "" || output.Subject == "" {
				return nil, errors.WrapInvalid(
					errors.ErrInvalidConfig, "GeoFusionProcessor", "NewProcessor",
					"jetstream output port needs stream_name and subject")
			}
			jsStream = output.StreamName
			jsSubject = output.Subject
		}
	}

	if len(inputSubjects) == 0 {
		return nil, errors.WrapInvalid(
			errors.ErrInvalidConfig, "GeoFusionProcessor", "NewProcessor",
			"no input subjects configured")
	}
	if len(outputSubjects) == 0 {
		return nil, errors.WrapInvalid(
			errors.ErrInvalidConfig, "GeoFusionProcessor", "NewProcessor",
			"no output subjects configured")
	}

	metrics, err := newFusionProcMetrics(deps.MetricsRegistry)
	if err != nil {
		deps.GetLogger().Error("Failed to initialize geo fusion metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	p := &Processor{
		name:        "geofusion-processor",
		subjects:    inputSubjects,
		outputSubjs: outputSubjects,
		jsStream:    jsStream,
		jsSubject:   jsSubject,
		natsClient:  deps.NATSClient,
		logger:      deps.GetLogger(),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		wg:          &sync.WaitGroup{},
		metrics:     metrics,
	}

	pipeline, err := fusion.NewPipeline(config.fusionConfig(), p.publishEvent,
		fusion.WithLogger(deps.GetLogger()),
		fusion.WithMetrics(deps.MetricsRegistry, "geofusion"))
	if err != nil {
		return nil, errors.WrapInvalid(err, "GeoFusionProcessor", "NewProcessor", "pipeline config")
	}
	p.pipeline = pipeline

	return p, nil
}

// Initialize prepares the processor (no-op for geo fusion)
func (p *Processor) Initialize() error {
	return nil
}

// Start launches the fusion pipeline and subscribes to detection subjects.
func (p *Processor) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "GeoFusionProcessor", "Start", "check running state")
	}

	if p.natsClient == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "GeoFusionProcessor", "Start", "NATS client required")
	}

	if p.jsStream != "" {
		_, err := p.natsClient.CreateStream(ctx, jetstream.StreamConfig{
			Name:     p.jsStream,
			Subjects: []string{p.jsSubject},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			return errors.WrapTransient(err, "GeoFusionProcessor", "Start",
				fmt.Sprintf("create stream %s", p.jsStream))
		}
	}

	if err := p.pipeline.Start(ctx); err != nil {
		return errors.WrapFatal(err, "GeoFusionProcessor", "Start", "start fusion pipeline")
	}

	for _, subject := range p.subjects {
		p.logger.Debug("Subscribing to NATS subject",
			"component", p.name,
			"subject", subject)

		if err := p.natsClient.Subscribe(ctx, subject, p.handleMessage); err != nil {
			p.logger.Error("Failed to subscribe to NATS subject",
				"component", p.name,
				"subject", subject,
				"error", err)
			return errors.WrapTransient(err, "GeoFusionProcessor", "Start", fmt.Sprintf("subscribe to %s", subject))
		}
	}

	p.mu.Lock()
	p.running = true
	p.startTime = time.Now()
	p.mu.Unlock()

	p.logger.Info("Geo fusion processor started",
		"component", p.name,
		"input_subjects", p.subjects,
		"output_subjects", p.outputSubjs)

	return nil
}

// Stop drains the fusion pipeline and stops the processor.
func (p *Processor) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running {
		return nil
	}

	close(p.shutdown)

	// Stopping the pipeline flushes buffered detections into a final
	// frame, so remaining events are published before shutdown.
	if err := p.pipeline.Stop(timeout); err != nil {
		p.logger.Warn("Fusion pipeline did not stop cleanly",
			"component", p.name,
			"error", err)
	}

	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		// Clean shutdown
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"GeoFusionProcessor", "Stop", "graceful shutdown")
	}

	p.mu.Lock()
	p.running = false
	close(p.done)
	p.mu.Unlock()

	return nil
}

// handleMessage decodes one detection batch and feeds it to the pipeline.
func (p *Processor) handleMessage(_ context.Context, msgData []byte) {
	atomic.AddInt64(&p.batchesProcessed, 1)
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()

	var env message.Envelope
	if err := json.Unmarshal(msgData, &env); err != nil {
		atomic.AddInt64(&p.errors, 1)
		p.metrics.recordError(p.name, "parse")
		p.logger.Debug("Failed to parse detection batch envelope",
			"component", p.name,
			"error", err)
		return
	}

	payload, ok := env.Payload().(*message.DetectionSetPayload)
	if !ok {
		atomic.AddInt64(&p.errors, 1)
		p.metrics.recordError(p.name, "type")
		p.logger.Debug("Payload is not a detection set",
			"component", p.name,
			"actual_type", fmt.Sprintf("%T", env.Payload()))
		return
	}

	if err := payload.Validate(); err != nil {
		atomic.AddInt64(&p.errors, 1)
		p.metrics.recordError(p.name, "validation")
		p.logger.Debug("Detection batch validation failed",
			"component", p.name,
			"source_id", payload.SourceID,
			"error", err)
		return
	}

	accepted := 0
	for _, det := range payload.Detections {
		if err := p.pipeline.Offer(det); err != nil {
			atomic.AddInt64(&p.errors, 1)
			p.metrics.recordError(p.name, "ingest")
			p.logger.Debug("Detection rejected by pipeline",
				"component", p.name,
				"source_id", det.SourceID,
				"error", err)
			continue
		}
		accepted++
	}

	atomic.AddInt64(&p.detectionsIngested, int64(accepted))
	p.metrics.recordBatch(p.name, accepted)
}

// publishEvent wraps one fused object event in an envelope and publishes
// it to every output subject. Called from the pipeline's processing
// goroutine in frame order, which preserves total ordering on the wire.
func (p *Processor) publishEvent(ev fusion.Event) error {
	env := message.NewEnvelope(message.MergedObjectType, message.FromEvent(ev), p.name,
		message.WithTime(timestamp.ToTime(ev.FrameTime)))

	data, err := json.Marshal(env)
	if err != nil {
		atomic.AddInt64(&p.errors, 1)
		p.metrics.recordError(p.name, "marshal")
		return errors.WrapInvalid(err, "GeoFusionProcessor", "publishEvent", "marshal merged object")
	}

	start := time.Now()
	for _, subject := range p.outputSubjs {
		if subject == "" {
			continue
		}
		if err := p.natsClient.Publish(context.Background(), subject, data); err != nil {
			atomic.AddInt64(&p.errors, 1)
			p.metrics.recordError(p.name, "publish")
			p.logger.Error("Failed to publish fused object",
				"component", p.name,
				"output_subject", subject,
				"identity_id", ev.IdentityID,
				"error", err)
			return errors.WrapTransient(err, "GeoFusionProcessor", "publishEvent",
				fmt.Sprintf("publish to %s", subject))
		}
	}

	if p.jsSubject != "" {
		if err := p.natsClient.PublishToStream(context.Background(), p.jsSubject, data); err != nil {
			atomic.AddInt64(&p.errors, 1)
			p.metrics.recordError(p.name, "publish_stream")
			p.logger.Error("Failed to publish fused object to stream",
				"component", p.name,
				"stream", p.jsStream,
				"subject", p.jsSubject,
				"identity_id", ev.IdentityID,
				"error", err)
			return errors.WrapTransient(err, "GeoFusionProcessor", "publishEvent",
				fmt.Sprintf("publish to stream subject %s", p.jsSubject))
		}
	}

	atomic.AddInt64(&p.eventsPublished, 1)
	p.metrics.recordPublish(p.name, time.Since(start))
	return nil
}

// Discoverable interface implementation

// Meta returns metadata describing this processor component.
func (p *Processor) Meta() component.Metadata {
	return component.Metadata{
		Name:        p.name,
		Type:        "processor",
		Description: "Fuses per-sensor geo detection streams into one deduplicated object stream",
		Version:     "0.1.0",
	}
}

// InputPorts returns the NATS input ports this processor subscribes to.
func (p *Processor) InputPorts() []component.Port {
	ports := make([]component.Port, len(p.subjects))
	for i, subj := range p.subjects {
		ports[i] = component.Port{
			Name:      fmt.Sprintf("input_%d", i),
			Direction: component.DirectionInput,
			Required:  true,
			Config: component.NATSPort{
				Subject: subj,
				Interface: &component.InterfaceContract{
					Type:    "geo.detections.v1",
					Version: "v1",
				},
			},
		}
	}
	return ports
}

// OutputPorts returns the NATS output ports for fused object events.
func (p *Processor) OutputPorts() []component.Port {
	ports := make([]component.Port, 0, len(p.outputSubjs))
	for i, subject := range p.outputSubjs {
		ports = append(ports, component.Port{
			Name:      fmt.Sprintf("output_%d", i),
			Direction: component.DirectionOutput,
			Required:  true,
			Config: component.NATSPort{
				Subject: subject,
				Interface: &component.InterfaceContract{
					Type:    "geo.merged.v1",
					Version: "v1",
				},
			},
		})
	}
	if p.jsStream != "" {
		ports = append(ports, component.Port{
			Name:      "stream_output",
			Direction: component.DirectionOutput,
			Config: component.JetStreamPort{
				StreamName: p.jsStream,
				Subjects:   []string{p.jsSubject},
				Storage:    "file",
				Interface: &component.InterfaceContract{
					Type:    "geo.merged.v1",
					Version: "v1",
				},
			},
		})
	}
	return ports
}

// ConfigSchema returns the configuration schema for this processor.
func (p *Processor) ConfigSchema() component.ConfigSchema {
	return geoFusionSchema
}

// Health returns the current health status of this processor. A fatal
// pipeline error (an invariant violation) marks the processor unhealthy
// even while it is still running.
func (p *Processor) Health() component.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    p.running,
		LastCheck:  time.Now(),
		ErrorCount: int(atomic.LoadInt64(&p.errors)),
		Uptime:     time.Since(p.startTime),
	}
	if err := p.pipeline.Err(); err != nil {
		status.Healthy = false
		status.LastError = err.Error()
	}
	return status
}

// DataFlow returns current data flow metrics for this processor.
func (p *Processor) DataFlow() component.FlowMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	processed := atomic.LoadInt64(&p.batchesProcessed)
	errorCount := atomic.LoadInt64(&p.errors)

	var errorRate float64
	if processed > 0 {
		errorRate = float64(errorCount) / float64(processed)
	}

	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         errorRate,
		LastActivity:      p.lastActivity,
	}
}

// Register registers the geo fusion processor component with the given registry
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "geofusion",
		Factory:     NewProcessor,
		Schema:      geoFusionSchema,
		Type:        "processor",
		Protocol:    "geofusion",
		Domain:      "geo",
		Description: "Consolidates overlapping sensor detections into merged object events",
		Version:     "0.1.0",
	})
}
