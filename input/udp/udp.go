package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/message"
	"github.com/c360/geofuse/metric"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/pkg/buffer"
	"github.com/c360/geofuse/pkg/retry"
	"github.com/c360/geofuse/pkg/timestamp"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for one UDP listener.
type Metrics struct {
	packetsReceived   prometheus.Counter
	bytesReceived     prometheus.Counter
	packetsDropped    prometheus.Counter
	batchesMalformed  prometheus.Counter
	bufferUtilization prometheus.Gauge
	batchSize         prometheus.Histogram
	publishLatency    prometheus.Histogram
	socketErrors      prometheus.Counter
	lastActivity      prometheus.Gauge
}

// newMetrics registers the listener's instruments. A nil registry
// disables metrics entirely.
func newMetrics(registry *metric.MetricsRegistry, port int, _ string) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "packets_received_total",
			Help:      "Total UDP packets received",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Total bytes received from UDP",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped due to buffer full",
		}),
		batchesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "batches_malformed_total",
			Help:      "Packets rejected because they did not parse as a detection batch",
		}),
		bufferUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "buffer_utilization_ratio",
			Help:      "Buffer usage (0-1) showing backpressure",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "batch_size",
			Help:      "Distribution of processing batch sizes",
			Buckets:   []float64{1, 5, 10, 20, 50, 100, 200, 500},
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "publish_duration_seconds",
			Help:      "Time to publish batches to NATS",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "socket_errors_total",
			Help:      "Socket read errors encountered",
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofuse",
			Subsystem: "udp",
			Name:      "last_activity_timestamp",
			Help:      "Unix timestamp of last received packet",
		}),
	}

	serviceName := fmt.Sprintf("udp_%d", port)
	registry.RegisterCounter(serviceName, "packets_received", metrics.packetsReceived)
	registry.RegisterCounter(serviceName, "bytes_received", metrics.bytesReceived)
	registry.RegisterCounter(serviceName, "packets_dropped", metrics.packetsDropped)
	registry.RegisterCounter(serviceName, "batches_malformed", metrics.batchesMalformed)
	registry.RegisterGauge(serviceName, "buffer_utilization", metrics.bufferUtilization)
	registry.RegisterHistogram(serviceName, "batch_size", metrics.batchSize)
	registry.RegisterHistogram(serviceName, "publish_latency", metrics.publishLatency)
	registry.RegisterCounter(serviceName, "socket_errors", metrics.socketErrors)
	registry.RegisterGauge(serviceName, "last_activity", metrics.lastActivity)

	return metrics
}

// Input implements a UDP listener that receives detection batch JSON and
// publishes each batch on raw.detections.<source_id>. Sensors send one
// DetectionSetPayload document per datagram.
type Input struct {
	name          string
	port          int
	bind          string
	subjectPrefix string
	natsClient    *natsclient.Client
	logger        *slog.Logger

	// Incoming datagrams queue here until the publish side drains them.
	buffer buffer.Buffer[[]byte]

	retryConfig retry.Config

	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	conn      *net.UDPConn

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	errors           atomic.Int64
	lastActivity     atomic.Value // stores time.Time

	metrics *Metrics
}

var _ component.Discoverable = (*Input)(nil)
var _ component.LifecycleComponent = (*Input)(nil)

var udpSchema = component.GenerateConfigSchema(reflect.TypeOf(InputConfig{}))

// InputConfig holds the port wiring for a UDP listener.
type InputConfig struct {
	Ports *component.PortConfig `json:"ports" schema:"type:ports,description:Port configuration,category:basic"`
}

// Validate checks the listen address and output subject before any
// socket is opened.
func (c *InputConfig) Validate() error {
	if c.Ports != nil {
		for _, input := range c.Ports.Inputs {
			if input.Type == "network" && input.Subject != "" {
				// Listen addresses use udp://host:port form.
				if len(input.Subject) > 6 && input.Subject[:6] == "udp://" {
					hostPort := input.Subject[6:]
					if host, portStr, err := net.SplitHostPort(hostPort); err == nil {
						if port, err := strconv.Atoi(portStr); err == nil {
							if err := component.ValidateNetworkConfig(port, host); err != nil {
								return errors.Wrap(err, "InputConfig", "Validate", "network port validation")
							}
						} else {
							return errors.WrapInvalid(
								fmt.Errorf("invalid port number: %s", portStr),
								"InputConfig", "Validate", "port parsing")
						}
					} else {
						return errors.WrapInvalid(
							fmt.Errorf("invalid UDP address format: %s", input.Subject),
							"InputConfig", "Validate", "address parsing")
					}
				}
			}
		}

		for _, output := range c.Ports.Outputs {
			if output.Type == "nats" && output.Subject == "" {
				return errors.WrapInvalid(
					errors.ErrInvalidConfig,
					"InputConfig", "Validate", "NATS output subject validation")
			}
		}
	}

	return nil
}

// DefaultConfig listens on 0.0.0.0:5005 and publishes batches under
// raw.detections.
func DefaultConfig() InputConfig {
	return InputConfig{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "udp_socket",
					Type:        "network",
					Subject:     "udp://0.0.0.0:5005",
					Required:    true,
					Description: "UDP socket listening for detection batch JSON",
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "nats_output",
					Type:        "nats",
					Subject:     "raw.detections",
					Interface:   "geo.detections.v1",
					Required:    true,
					Description: "NATS subject prefix; batches publish to <prefix>.<source_id>",
				},
			},
		},
	}
}

// resolvePorts derives the listen address and subject prefix from the
// port config.
func (c *InputConfig) resolvePorts() (port int, bind, subjectPrefix string) {
	var hasPortsConfig bool

	if c.Ports != nil {
		hasPortsConfig = true

		for _, input := range c.Ports.Inputs {
			if input.Type == "network" && input.Subject != "" {
				if len(input.Subject) > 6 && input.Subject[:6] == "udp://" {
					hostPort := input.Subject[6:]
					if host, portStr, err := net.SplitHostPort(hostPort); err == nil {
						if parsedPort, err := strconv.Atoi(portStr); err == nil {
							port = parsedPort
							bind = host
						}
					}
				}
				break
			}
		}
		for _, output := range c.Ports.Outputs {
			if output.Type == "nats" {
				subjectPrefix = output.Subject
				break
			}
		}
	}

	if port == 0 {
		port = 5005
	}
	if bind == "" {
		bind = "0.0.0.0"
	}
	// An explicitly configured empty subject prefix stays empty so
	// Initialize can reject it. Only the no-config case gets a default.
	if !hasPortsConfig && subjectPrefix == "" {
		subjectPrefix = "raw.detections"
	}

	return port, bind, subjectPrefix
}

// InputDeps carries everything NewInput needs to assemble a listener.
type InputDeps struct {
	Name            string
	Config          InputConfig
	NATSClient      *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewInput assembles a UDP listener from its dependencies.
func NewInput(deps InputDeps) *Input {
	var bufferOpts []buffer.Option[[]byte]
	bufferOpts = append(bufferOpts, buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))

	if deps.MetricsRegistry != nil {
		bufferOpts = append(bufferOpts, buffer.WithMetrics[[]byte](deps.MetricsRegistry, "udp_input"))
	}

	port, bind, subjectPrefix := deps.Config.resolvePorts()

	var metrics *Metrics
	if deps.MetricsRegistry != nil {
		metrics = newMetrics(deps.MetricsRegistry, port, bind)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udp-input", "port", port)
	}

	packetBuffer, err := buffer.NewCircularBuffer(5000, bufferOpts...)
	if err != nil {
		logger.Error("Failed to create packet buffer", "error", err)
		return nil
	}

	u := &Input{
		name:          deps.Name,
		port:          port,
		bind:          bind,
		subjectPrefix: subjectPrefix,
		natsClient:    deps.NATSClient,
		logger:        logger,
		buffer:        packetBuffer,
		retryConfig:   retry.DefaultConfig(),
		startTime:     time.Now(),
		metrics:       metrics,
	}
	u.lastActivity.Store(time.Time{})
	return u
}

// Meta returns the component metadata.
func (u *Input) Meta() component.Metadata {
	name := u.name
	if name == "" {
		name = fmt.Sprintf("udp-input-%d", u.port)
	}

	return component.Metadata{
		Name:        name,
		Type:        "input",
		Description: fmt.Sprintf("UDP detection listener on %s:%d publishing to %s.<source_id>", u.bind, u.port, u.subjectPrefix),
		Version:     "1.0.0",
	}
}

// InputPorts describes the UDP socket this listener binds.
func (u *Input) InputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "udp_socket",
			Direction:   component.DirectionInput,
			Required:    true,
			Description: fmt.Sprintf("UDP socket listening on %s:%d", u.bind, u.port),
			Config: component.NetworkPort{
				Protocol: "udp",
				Host:     u.bind,
				Port:     u.port,
			},
		},
	}
}

// OutputPorts describes the per-source subject tree batches publish to.
func (u *Input) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "nats_output",
			Direction:   component.DirectionOutput,
			Required:    true,
			Description: "NATS subject prefix for per-source detection batches",
			Config: component.NATSPort{
				Subject: u.subjectPrefix + ".>",
				Interface: &component.InterfaceContract{
					Type:    "geo.detections.v1",
					Version: "v1",
				},
			},
		},
	}
}

// ConfigSchema returns the configuration schema.
func (u *Input) ConfigSchema() component.ConfigSchema {
	return udpSchema
}

// Health reports healthy while the listener is running with a bound
// socket.
func (u *Input) Health() component.HealthStatus {
	u.mu.RLock()
	running := u.running.Load()
	connected := u.conn != nil
	u.mu.RUnlock()

	errorCount := u.errors.Load()
	healthy := running && connected

	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(errorCount),
		LastError:  "",
		Uptime:     time.Since(u.startTime),
	}
}

// DataFlow returns throughput since Start.
func (u *Input) DataFlow() component.FlowMetrics {
	messages := u.messagesReceived.Load()
	bytes := u.bytesReceived.Load()
	errorCount := u.errors.Load()
	lastActivity, _ := u.lastActivity.Load().(time.Time)

	var messagesPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(u.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if messages > 0 {
		errorRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the listener configuration without binding the
// socket. Port 0 is allowed so the OS can assign one.
func (u *Input) Initialize() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.port < 0 || u.port > 65535 {
		return errors.WrapInvalid(fmt.Errorf("invalid port %d", u.port),
			"udp-input", "Initialize", "port validation")
	}

	if u.subjectPrefix == "" {
		return errors.WrapInvalid(fmt.Errorf("empty subject prefix"),
			"udp-input", "Initialize", "subject validation")
	}

	if u.natsClient == nil {
		return errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"udp-input", "Initialize", "NATS client validation")
	}

	return nil
}

// Start binds the socket, with retry, and launches the receive loop.
// Calling Start on a running listener is a no-op.
func (u *Input) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running.Load() {
		return nil
	}

	u.shutdown = make(chan struct{})
	u.done = make(chan struct{})

	if err := retry.Do(ctx, u.retryConfig, u.openSocket); err != nil {
		u.releaseResources()
		return errors.WrapTransient(err, "udp-input", "Start", "socket binding")
	}

	u.running.Store(true)
	u.startTime = time.Now()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer func() {
			u.mu.Lock()
			defer u.mu.Unlock()
			if u.done != nil {
				select {
				case <-u.done:
				default:
					close(u.done)
				}
			}
		}()
		u.receiveLoop(ctx)
	}()

	return nil
}

// openSocket binds the UDP socket and widens the OS receive buffer.
func (u *Input) openSocket() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.bind, u.port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s:%d: %w", u.bind, u.port, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP port %d: %w", u.port, err)
	}

	// A burst of sensor batches can outrun the default kernel buffer.
	const socketBufferSize = 2 * 1024 * 1024
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		// Some systems cap the buffer size. Not fatal.
		if u.logger != nil {
			u.logger.Warn("Could not set UDP buffer size",
				"buffer_size", socketBufferSize,
				"port", u.port,
				"error", err)
		}
	}

	u.conn = conn
	return nil
}

// Stop signals the receive loop, waits up to timeout for it to drain,
// and releases the socket and buffer.
func (u *Input) Stop(timeout time.Duration) error {
	if !u.running.Load() {
		return nil
	}

	u.running.Store(false)

	u.mu.Lock()
	if u.shutdown != nil {
		select {
		case <-u.shutdown:
		default:
			close(u.shutdown)
		}
	}
	// Closing the socket unblocks a pending ReadFromUDP.
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.mu.Unlock()

	select {
	case <-u.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udp-input", "Stop", "graceful shutdown")
	}

	u.cleanup()
	return nil
}

func (u *Input) cleanup() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.releaseResources()
}

// releaseResources is cleanup for callers already holding u.mu.
func (u *Input) releaseResources() {
	if u.shutdown != nil {
		select {
		case <-u.shutdown:
		default:
			close(u.shutdown)
		}
		u.shutdown = nil
	}
	if u.done != nil {
		u.done = nil
	}
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
	if u.buffer != nil {
		_ = u.buffer.Close()
	}
}

// receiveLoop reads datagrams into the packet buffer and drains it
// toward NATS until shutdown.
func (u *Input) receiveLoop(ctx context.Context) {
	udpBuffer := make([]byte, 65536) // max UDP payload

	for u.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-u.shutdown:
			return
		default:
		}

		u.mu.RLock()
		if !u.running.Load() || u.conn == nil {
			u.mu.RUnlock()
			return
		}
		conn := u.conn
		u.mu.RUnlock()

		// Short deadline so shutdown is noticed between datagrams.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(udpBuffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-u.shutdown:
				return
			default:
				u.errors.Add(1)

				if u.metrics != nil {
					u.metrics.socketErrors.Inc()
				}

				if !errors.IsTransient(err) {
					return
				}
				continue
			}
		}

		u.messagesReceived.Add(1)
		u.bytesReceived.Add(int64(n))
		now := time.Now()
		u.lastActivity.Store(now)

		if u.metrics != nil {
			u.metrics.packetsReceived.Inc()
			u.metrics.bytesReceived.Add(float64(n))
			u.metrics.lastActivity.Set(float64(now.Unix()))
		}

		// udpBuffer is reused on the next read, so copy out.
		data := make([]byte, n)
		copy(data, udpBuffer[:n])

		if err := u.buffer.Write(data); err != nil {
			if u.metrics != nil {
				u.metrics.packetsDropped.Inc()
			}
			continue
		}

		u.drainBuffer(ctx)
	}
}

// drainBuffer pulls queued datagrams in bounded batches and publishes
// each one to its per-source subject.
func (u *Input) drainBuffer(ctx context.Context) {
	const maxBatchSize = 100
	packets := u.buffer.ReadBatch(maxBatchSize)

	if u.metrics != nil && len(packets) > 0 {
		u.metrics.batchSize.Observe(float64(len(packets)))
	}

	for _, data := range packets {
		if !u.running.Load() {
			break
		}

		envData, subject, err := u.envelopeBatch(data)
		if err != nil {
			u.errors.Add(1)
			if u.metrics != nil {
				u.metrics.batchesMalformed.Inc()
			}
			u.logger.Debug("Rejected malformed detection batch",
				"component", u.name,
				"error", err)
			continue
		}

		publishOperation := func() error {
			return u.publishBatch(ctx, subject, envData)
		}

		// A failed publish must not stall the rest of the batch.
		if err := retry.Do(ctx, u.retryConfig, publishOperation); err != nil {
			u.errors.Add(1)
		}
	}
}

// envelopeBatch parses one datagram as a detection batch and wraps it in
// a message envelope. Returns the wire bytes and the per-source subject.
func (u *Input) envelopeBatch(data []byte) ([]byte, string, error) {
	var payload message.DetectionSetPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, "", errors.WrapInvalid(err, "udp-input", "envelopeBatch", "parse detection batch")
	}
	if err := payload.Validate(); err != nil {
		return nil, "", errors.WrapInvalid(err, "udp-input", "envelopeBatch", "validate detection batch")
	}

	// Stamp the envelope with the capture time of the newest detection
	// so downstream latency tracking reflects sensor time.
	var newest int64
	for _, d := range payload.Detections {
		if d.Timestamp > newest {
			newest = d.Timestamp
		}
	}
	created := time.Now()
	if newest > 0 {
		created = timestamp.ToTime(newest)
	}

	env := message.NewEnvelope(message.DetectionSetType, &payload, "udp-input",
		message.WithTime(created))
	envData, err := json.Marshal(env)
	if err != nil {
		return nil, "", errors.WrapInvalid(err, "udp-input", "envelopeBatch", "marshal envelope")
	}

	return envData, u.subjectPrefix + "." + payload.SourceID, nil
}

// publishBatch sends one enveloped batch to its per-source subject.
func (u *Input) publishBatch(_ context.Context, subject string, data []byte) error {
	if u.natsClient == nil {
		return errors.WrapInvalid(fmt.Errorf("NATS client not available"),
			"udp-input", "publishBatch", "NATS client check")
	}

	nc := u.natsClient.GetConnection()
	if nc == nil {
		return errors.WrapTransient(fmt.Errorf("NATS connection not available"),
			"udp-input", "publishBatch", "NATS connection check")
	}

	var start time.Time
	if u.metrics != nil {
		start = time.Now()
	}

	if err := nc.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "udp-input", "publishBatch", "NATS publish")
	}

	if u.metrics != nil {
		u.metrics.publishLatency.Observe(time.Since(start).Seconds())
	}

	return nil
}

// CreateInput is the registry factory for UDP listeners.
func CreateInput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultConfig()

	if len(rawConfig) > 0 {
		var userConfig InputConfig
		if err := component.SafeUnmarshal(rawConfig, &userConfig); err != nil {
			return nil, errors.Wrap(err, "udp-input-factory", "create", "secure config parsing")
		}

		if userConfig.Ports != nil {
			cfg.Ports = userConfig.Ports
		}
	}

	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("NATS client is required"),
			"udp-input-factory", "create", "NATS client validation")
	}

	inputDeps := InputDeps{
		Name:            "udp-input", // the component manager overrides this with the instance name
		Config:          cfg,
		NATSClient:      deps.NATSClient,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          deps.GetLoggerWithComponent("udp-input"),
	}

	return NewInput(inputDeps), nil
}

// Register adds the UDP input factory to the registry.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "udp",
		Factory:     CreateInput,
		Schema:      udpSchema,
		Type:        "input",
		Protocol:    "udp",
		Domain:      "network",
		Description: "UDP input component for receiving sensor detection batches",
		Version:     "1.0.0",
	})
}
