package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/metric"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/pkg/buffer"
	"github.com/c360/geofuse/pkg/security"
	"github.com/c360/geofuse/pkg/tlsutil"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryMode selects the reliability semantics for pushing fused
// objects to viewers.
type DeliveryMode string

const (
	// DeliveryAtMostOnce pushes without waiting for an ack. A viewer
	// that misses a frame catches up on the next window flush.
	DeliveryAtMostOnce DeliveryMode = "at-most-once"
	// DeliveryAtLeastOnce waits for a client ack per message.
	DeliveryAtLeastOnce DeliveryMode = "at-least-once"
)

// Config is the component-block configuration for the WebSocket output.
type Config struct {
	Ports *component.PortConfig `json:"ports"                   schema:"type:ports,description:Port configuration,category:basic"`
	// DeliveryMode selects at-most-once or at-least-once push semantics
	DeliveryMode DeliveryMode `json:"delivery_mode,omitempty" schema:"type:string,description:Delivery reliability mode,category:advanced"`
	// AckTimeout bounds the wait for a client ack in at-least-once mode
	AckTimeout string `json:"ack_timeout,omitempty"   schema:"type:string,description:Acknowledgment timeout (e.g. 5s),category:advanced"`
}

// ConstructorConfig carries everything needed to build an Output.
type ConstructorConfig struct {
	Name            string
	Port            int
	Path            string
	Subjects        []string
	NATSClient      *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Security        security.Config
	DeliveryMode    DeliveryMode
	AckTimeout      time.Duration
}

// DefaultConstructorConfig returns the defaults used by NewOutput.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		Name:         "",
		Port:         8081,
		Path:         "/ws",
		Subjects:     []string{"fused.objects"},
		Security:     security.Config{},
		DeliveryMode: DeliveryAtMostOnce,
		AckTimeout:   5 * time.Second,
	}
}

// DefaultConfig wires the output to the fused object stream and a
// listen endpoint on 8081.
func DefaultConfig() Config {
	inputDefs := []component.PortDefinition{
		{
			Name:        "nats_input",
			Type:        "nats",
			Subject:     "fused.objects",
			Interface:   "geo.merged.v1",
			Required:    true,
			Description: "Fused object event stream to broadcast",
		},
	}

	// The listen endpoint rides in the Subject field as a URL; the
	// factory parses it back out.
	outputDefs := []component.PortDefinition{
		{
			Name:        "websocket_server",
			Type:        "network",
			Subject:     "http://0.0.0.0:8081/ws",
			Required:    false,
			Description: "WebSocket server endpoint",
		},
	}

	return Config{
		Ports: &component.PortConfig{
			Inputs:  inputDefs,
			Outputs: outputDefs,
		},
	}
}

var websocketSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Output serves fused object events over WebSocket. Each NATS message
// on the subscribed subjects is wrapped in an envelope and fanned out
// to every connected viewer.
type Output struct {
	name         string
	port         int
	path         string
	subjects     []string
	natsClient   *natsclient.Client
	security     security.Config
	deliveryMode DeliveryMode
	ackTimeout   time.Duration

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown      chan struct{}
	done          chan struct{}
	running       bool
	startTime     time.Time
	mu            sync.RWMutex
	lifecycleMu   sync.Mutex // serializes Start/Stop
	wg            *sync.WaitGroup
	tlsCleanup    func() // stops the ACME renewal loop
	tlsCleanupMu  sync.Mutex
	lifecycleCtx  context.Context
	lifecycleStop context.CancelFunc

	messageIDCounter atomic.Uint64

	messagesSent int64
	bytesSent    int64
	errors       int64
	lastActivity time.Time

	metrics *Metrics
}

// MessageEnvelope frames every message on the wire, both directions.
// Server to client: "data" carrying a fused object event. Client to
// server: "ack", "nack", or "slow".
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PendingMessage tracks a sent message until the client acks it.
type PendingMessage struct {
	ID      string
	Data    []byte
	Subject string
	SentAt  time.Time
	Retries int
	AckChan chan bool // true=ack, false=nack
}

// clientInfo is the per-connection state for one viewer.
type clientInfo struct {
	conn            *websocket.Conn
	connectedAt     time.Time
	messagesSent    int64
	lastPing        atomic.Value // time.Time
	closed          atomic.Bool
	closeOnce       sync.Once
	writeMutex      sync.Mutex // gorilla/websocket panics on concurrent writes
	pendingBuffer   buffer.Buffer[*PendingMessage]
	pendingMessages map[string]*PendingMessage
	pendingMu       sync.RWMutex
}

var _ component.Discoverable = (*Output)(nil)
var _ component.LifecycleComponent = (*Output)(nil)

// Metrics holds the Prometheus instruments for the output.
type Metrics struct {
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	bytesSent           prometheus.Counter
	clientsConnected    prometheus.Gauge
	connectionTotal     prometheus.Counter
	disconnectionTotal  *prometheus.CounterVec
	broadcastDuration   *prometheus.HistogramVec
	messageSizeBytes    *prometheus.HistogramVec
	errorsTotal         *prometheus.CounterVec
	serverUptimeSeconds prometheus.Gauge
}

// newMetrics registers the instrument set. A nil registry disables
// metrics entirely.
func newMetrics(registry *metric.MetricsRegistry, _ string) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Total messages received from NATS",
		}, []string{"subject"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total messages sent to WebSocket clients",
		}, []string{"subject"}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to WebSocket clients",
		}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),

		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to broadcast message to all clients",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"subject"}),

		messageSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "message_size_bytes",
			Help:      "Size distribution of outgoing messages",
			Buckets:   []float64{100, 500, 1000, 2000, 5000, 10000, 25000},
		}, []string{"subject"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "WebSocket server errors",
		}, []string{"error_type"}),

		serverUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofuse",
			Subsystem: "websocket",
			Name:      "server_uptime_seconds",
			Help:      "WebSocket server uptime in seconds",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.messagesReceived,
		metrics.messagesSent,
		metrics.bytesSent,
		metrics.clientsConnected,
		metrics.connectionTotal,
		metrics.disconnectionTotal,
		metrics.broadcastDuration,
		metrics.messageSizeBytes,
		metrics.errorsTotal,
		metrics.serverUptimeSeconds,
	)

	return metrics
}

// NewOutput builds an Output with defaults for everything except the
// listen endpoint and subscriptions.
func NewOutput(port int, path string, subjects []string, natsClient *natsclient.Client) *Output {
	cfg := DefaultConstructorConfig()
	cfg.Port = port
	cfg.Path = path
	cfg.Subjects = subjects
	cfg.NATSClient = natsClient
	return NewOutputFromConfig(cfg)
}

// NewOutputFromConfig builds an Output from a full ConstructorConfig.
func NewOutputFromConfig(cfg ConstructorConfig) *Output {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool {
			// Viewers connect from arbitrary origins
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	return &Output{
		name:         cfg.Name,
		port:         cfg.Port,
		path:         cfg.Path,
		subjects:     cfg.Subjects,
		natsClient:   cfg.NATSClient,
		security:     cfg.Security,
		deliveryMode: cfg.DeliveryMode,
		ackTimeout:   cfg.AckTimeout,
		upgrader:     upgrader,
		clients:      make(map[*websocket.Conn]*clientInfo),
		startTime:    time.Now(),
		metrics:      newMetrics(cfg.MetricsRegistry, cfg.Name),
	}
}

func (w *Output) generateMessageID() string {
	counter := w.messageIDCounter.Add(1)
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), counter)
}

// Meta returns the component metadata.
func (w *Output) Meta() component.Metadata {
	subjectsStr := fmt.Sprintf("%v", w.subjects)

	name := w.name
	if name == "" {
		name = fmt.Sprintf("websocket-output-%d", w.port)
	}

	return component.Metadata{
		Name:        name,
		Type:        "output",
		Description: fmt.Sprintf("WebSocket server on %s:%d streaming fused object events from subjects %s", w.path, w.port, subjectsStr),
		Version:     "1.0.0",
	}
}

// InputPorts declares one NATS subscription per configured subject.
func (w *Output) InputPorts() []component.Port {
	ports := make([]component.Port, len(w.subjects))
	for i, subject := range w.subjects {
		ports[i] = component.Port{
			Name:        fmt.Sprintf("nats_input_%d", i),
			Direction:   component.DirectionInput,
			Required:    false,
			Description: fmt.Sprintf("NATS subject subscription for %s", subject),
			Config: component.NATSPort{
				Subject: subject,
				Interface: &component.InterfaceContract{
					Type:    "geo.merged.v1",
					Version: "v1",
				},
			},
		}
	}
	return ports
}

// OutputPorts declares the listen endpoint.
func (w *Output) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "websocket_endpoint",
			Direction:   component.DirectionOutput,
			Required:    false,
			Description: fmt.Sprintf("WebSocket endpoint at ws://localhost:%d%s", w.port, w.path),
			Config: component.NetworkPort{
				Protocol: "websocket",
				Host:     "localhost",
				Port:     w.port,
			},
		},
	}
}

// ConfigSchema returns the schema generated from Config struct tags.
func (w *Output) ConfigSchema() component.ConfigSchema {
	return websocketSchema
}

// Health reports healthy while the server loop is up.
func (w *Output) Health() component.HealthStatus {
	w.mu.RLock()
	running := w.running
	serverRunning := w.server != nil
	w.mu.RUnlock()

	errCount := atomic.LoadInt64(&w.errors)

	return component.HealthStatus{
		Healthy:    running && serverRunning,
		LastCheck:  time.Now(),
		ErrorCount: int(errCount),
		LastError:  "",
		Uptime:     time.Since(w.startTime),
	}
}

// DataFlow reports throughput since Start.
func (w *Output) DataFlow() component.FlowMetrics {
	w.mu.RLock()
	messages := w.messagesSent
	bytes := w.bytesSent
	errCount := w.errors
	lastActivity := w.lastActivity
	w.mu.RUnlock()

	var messagesPerSecond float64
	var bytesPerSecond float64
	var errorRate float64

	if uptime := time.Since(w.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}

	if messages > 0 {
		errorRate = float64(errCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the configuration without binding the port.
func (w *Output) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.port < 1024 || w.port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "validateConfig",
			fmt.Sprintf("invalid port %d (out of range 1024-65535)", w.port))
	}

	if w.path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "validateConfig", "WebSocket path cannot be empty")
	}

	if len(w.subjects) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "validateConfig", "NATS subjects cannot be empty")
	}

	// A nil NATS client is tolerated so the server can be tested alone

	return nil
}

// Start binds the listen port and subscribes to the fused object
// subjects. Idempotent while running.
func (w *Output) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := w.checkContext(ctx); err != nil {
		return err
	}

	// Background operations (ACME renewal) outlive the Start context
	w.lifecycleCtx, w.lifecycleStop = context.WithCancel(context.Background())

	w.shutdown = make(chan struct{})
	w.done = make(chan struct{})

	var startErr error
	defer func() {
		if startErr != nil {
			w.rollbackStart()
		}
	}()

	if err := w.buildServer(); err != nil {
		startErr = err
		return err
	}

	if err := w.subscribeFused(ctx); err != nil {
		startErr = err
		return errors.Wrap(err, "Output", "Start", fmt.Sprintf("subscribe to NATS subjects %v", w.subjects))
	}

	w.running = true
	w.startTime = time.Now()
	w.launchWorkers(ctx)

	return nil
}

func (w *Output) checkContext(ctx context.Context) error {
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Output", "Start", "context already cancelled or timed out")
	}
	return nil
}

// rollbackStart undoes a partial Start so a later attempt begins clean.
func (w *Output) rollbackStart() {
	if w.shutdown != nil {
		close(w.shutdown)
		w.shutdown = nil
	}
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	if w.server != nil {
		_ = w.server.Shutdown(context.Background())
		w.server = nil
	}
}

// buildServer assembles the HTTP server, loading TLS material when the
// platform security config asks for it.
func (w *Output) buildServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.acceptClient)

	w.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", w.port),
		Handler: mux,
	}

	if !w.security.TLS.Server.Enabled {
		return nil
	}

	mode := w.security.TLS.Server.Mode
	if mode == "" {
		mode = "manual"
	}

	if mode == "acme" && w.security.TLS.Server.ACME.Enabled {
		tlsConfig, cleanup, err := tlsutil.LoadServerTLSConfigWithACME(
			w.lifecycleCtx,
			w.security.TLS.Server,
		)
		if err != nil {
			return errors.WrapFatal(err, "websocket_output", "buildServer",
				"load TLS config with ACME")
		}
		w.server.TLSConfig = tlsConfig

		w.tlsCleanupMu.Lock()
		w.tlsCleanup = cleanup
		w.tlsCleanupMu.Unlock()
		return nil
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfigWithMTLS(
		w.security.TLS.Server,
		w.security.TLS.Server.MTLS,
	)
	if err != nil {
		return errors.WrapFatal(err, "websocket_output", "buildServer",
			"load TLS config with mTLS")
	}
	w.server.TLSConfig = tlsConfig

	return nil
}

// launchWorkers starts the serve loop and maintenance goroutines. A
// fresh WaitGroup per start cycle keeps restart cycles independent.
func (w *Output) launchWorkers(ctx context.Context) {
	w.wg = &sync.WaitGroup{}

	goroutineCount := 2 // serveLoop + clientMaintenance
	if w.metrics != nil {
		goroutineCount++
	}
	w.wg.Add(goroutineCount)

	if w.metrics != nil {
		go w.uptimeLoop(ctx)
	}

	go w.serveLoop(ctx)
	go w.clientMaintenance(ctx)
}

func (w *Output) uptimeLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.RLock()
			running := w.running
			w.mu.RUnlock()
			if w.metrics != nil && running {
				w.metrics.serverUptimeSeconds.Set(time.Since(w.startTime).Seconds())
			}
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		}
	}
}

// Stop shuts the server down, waits for workers, and drops every
// client connection.
func (w *Output) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false

	if w.shutdown != nil {
		close(w.shutdown)
	}

	wg := w.wg
	server := w.server
	w.mu.Unlock()

	// Shut the server down outside the locks so serveLoop can return
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("[WARN] HTTP server shutdown error: %v\n", err)
		}
	}

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			fmt.Printf("[WARN] WebSocket goroutines did not exit within timeout\n")
		}
	}

	w.tlsCleanupMu.Lock()
	if w.tlsCleanup != nil {
		w.tlsCleanup()
		w.tlsCleanup = nil
	}
	w.tlsCleanupMu.Unlock()

	if w.lifecycleStop != nil {
		w.lifecycleStop()
	}

	w.mu.Lock()
	// NATS subscriptions are cleaned up by the client wrapper when the
	// connection closes; only the viewer connections need dropping here.
	w.dropAllClients()

	w.server = nil
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	w.shutdown = nil
	w.wg = nil
	w.mu.Unlock()

	return nil
}

// subscribeFused subscribes to each configured subject. A nil client
// is skipped so the server can run standalone in tests.
func (w *Output) subscribeFused(ctx context.Context) error {
	if w.natsClient == nil {
		return nil
	}

	for _, subject := range w.subjects {
		err := w.natsClient.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
			w.handleNATSMessageData(msgCtx, data, subject)
		})
		if err != nil {
			return errors.Wrap(err, "Output", "subscribeFused", fmt.Sprintf("subscribe to NATS subject %s", subject))
		}
	}

	return nil
}

func (w *Output) dropAllClients() {
	w.clientsMu.Lock()
	for conn := range w.clients {
		_ = conn.Close()
	}
	w.clients = make(map[*websocket.Conn]*clientInfo)
	w.clientsMu.Unlock()
}

// handleNATSMessageData takes one fused object event off NATS and fans
// it out to the connected viewers.
func (w *Output) handleNATSMessageData(ctx context.Context, data []byte, subject string) {
	select {
	case <-ctx.Done():
		return
	case <-w.shutdown:
		return
	default:
	}

	w.mu.RLock()
	if !w.running {
		w.mu.RUnlock()
		return
	}
	w.mu.RUnlock()

	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	// Non-JSON payloads are wrapped rather than dropped; viewers decide
	// what to do with them.
	var msgData map[string]any
	if err := json.Unmarshal(data, &msgData); err != nil {
		msgData = map[string]any{
			"type":      "raw_data",
			"subject":   subject,
			"data":      string(data),
			"timestamp": time.Now().Format(time.RFC3339),
		}
	} else {
		if _, exists := msgData["timestamp"]; !exists {
			msgData["timestamp"] = time.Now().Format(time.RFC3339)
		}
		if _, exists := msgData["subject"]; !exists {
			msgData["subject"] = subject
		}
	}

	jsonData, err := json.Marshal(msgData)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.errorsTotal.WithLabelValues("json_marshal").Inc()
		}
		return
	}

	if w.metrics != nil {
		w.metrics.messagesReceived.WithLabelValues(subject).Inc()
	}

	w.broadcastToClients(ctx, subject, jsonData)
}

// serveLoop runs ListenAndServe until Stop shuts the server down.
func (w *Output) serveLoop(_ context.Context) {
	defer func() {
		if w.wg != nil {
			w.wg.Done()
		}
	}()

	w.mu.RLock()
	server := w.server
	tlsEnabled := w.security.TLS.Server.Enabled
	w.mu.RUnlock()

	if server == nil {
		return
	}

	var err error
	if tlsEnabled {
		// Cert material already lives in server.TLSConfig
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}

	if err != nil && err != http.ErrServerClosed {
		fmt.Printf("[ERROR] HTTP server failed: %v\n", err)
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
	}
}

// acceptClient upgrades an HTTP request and registers the viewer.
func (w *Output) acceptClient(wr http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	// Pending-ack buffer drops the oldest entry when a slow viewer
	// falls 100 messages behind
	pendingBuf, err := buffer.NewCircularBuffer[*PendingMessage](100,
		buffer.WithOverflowPolicy[*PendingMessage](buffer.DropOldest),
	)
	if err != nil {
		_ = conn.Close()
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.errorsTotal.WithLabelValues("buffer_creation").Inc()
		}
		return
	}

	info := &clientInfo{
		conn:            conn,
		connectedAt:     time.Now(),
		pendingBuffer:   pendingBuf,
		pendingMessages: make(map[string]*PendingMessage),
	}
	info.lastPing.Store(time.Now())

	w.clientsMu.Lock()
	w.clients[conn] = info
	clientCount := len(w.clients)
	w.clientsMu.Unlock()

	if w.metrics != nil {
		w.metrics.connectionTotal.Inc()
		w.metrics.clientsConnected.Set(float64(clientCount))
	}

	w.wg.Add(1)
	go w.readLoop(context.Background(), conn, info)
}

// readLoop consumes control messages (ack, nack, slow) from one viewer
// until the connection drops.
func (w *Output) readLoop(ctx context.Context, conn *websocket.Conn, info *clientInfo) {
	defer w.wg.Done()
	defer w.removeClient(conn, info)

	conn.SetPongHandler(func(string) error {
		info.lastPing.Store(time.Now())
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope MessageEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "ack":
			w.resolvePending(info, envelope.ID, true)
		case "nack":
			w.resolvePending(info, envelope.ID, false)
		case "slow":
			// Backpressure signal; accepted but not yet acted on
		default:
			// Unknown control type, ignore
		}
	}
}

// resolvePending completes the ack wait for one message. acked=false
// records a nack.
func (w *Output) resolvePending(info *clientInfo, messageID string, acked bool) {
	info.pendingMu.Lock()
	pending, exists := info.pendingMessages[messageID]
	if exists {
		delete(info.pendingMessages, messageID)
	}
	info.pendingMu.Unlock()

	if exists && pending.AckChan != nil {
		select {
		case pending.AckChan <- acked:
		default:
		}
	}
}

// removeClient drops one viewer, exactly once per connection.
func (w *Output) removeClient(conn *websocket.Conn, info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		w.clientsMu.Lock()
		delete(w.clients, conn)
		clientCount := len(w.clients)
		w.clientsMu.Unlock()

		if w.metrics != nil {
			disconnectReason := "normal"
			if time.Since(info.connectedAt) < 5*time.Second {
				disconnectReason = "early_disconnect"
			}
			w.metrics.disconnectionTotal.WithLabelValues(disconnectReason).Inc()
			w.metrics.clientsConnected.Set(float64(clientCount))
		}

		_ = conn.Close()
	})
}

// broadcastToClients fans one event out to every connected viewer.
func (w *Output) broadcastToClients(ctx context.Context, subject string, data []byte) {
	start := time.Now()

	messageID, envelopeData := w.wrapEnvelope(data)

	clientList, clientInfoMap := w.snapshotClients()

	select {
	case <-ctx.Done():
		return
	case <-w.shutdown:
		return
	default:
	}

	var wg sync.WaitGroup
	for _, conn := range clientList {
		info := clientInfoMap[conn]
		if info.closed.Load() {
			continue
		}

		wg.Add(1)
		go w.deliverToClient(&wg, conn, info, messageID, subject, envelopeData)
	}

	wg.Wait()

	if w.metrics != nil {
		w.metrics.broadcastDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
	}
}

// wrapEnvelope frames the payload for the wire. On a marshal failure
// the raw payload goes out unframed rather than being dropped.
func (w *Output) wrapEnvelope(data []byte) (string, []byte) {
	messageID := w.generateMessageID()

	envelope := MessageEnvelope{
		Type:      "data",
		ID:        messageID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(data),
	}

	envelopeData, err := json.Marshal(envelope)
	if err != nil {
		envelopeData = data
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.errorsTotal.WithLabelValues("envelope_marshal").Inc()
		}
	}

	return messageID, envelopeData
}

// snapshotClients copies the live client set so the broadcast can run
// without holding clientsMu.
func (w *Output) snapshotClients() ([]*websocket.Conn, map[*websocket.Conn]*clientInfo) {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()

	clientList := make([]*websocket.Conn, 0, len(w.clients))
	clientInfoMap := make(map[*websocket.Conn]*clientInfo, len(w.clients))
	for conn, info := range w.clients {
		if !info.closed.Load() {
			clientList = append(clientList, conn)
			clientInfoMap[conn] = info
		}
	}

	return clientList, clientInfoMap
}

// deliverToClient pushes one framed event to one viewer, bounded by a
// send timeout so a stuck connection cannot stall the broadcast.
func (w *Output) deliverToClient(wg *sync.WaitGroup, c *websocket.Conn, i *clientInfo, messageID, subject string, envelopeData []byte) {
	defer wg.Done()

	ackChan := w.trackPending(i, messageID, subject, envelopeData)

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.writeFrame(c, i, envelopeData)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			w.failDelivery(c, i, messageID, "client_send")
		} else {
			w.recordDelivery(i, messageID, subject, envelopeData, ackChan)
		}
	case <-sendCtx.Done():
		w.failDelivery(c, i, messageID, "client_timeout")
	}
}

// trackPending registers a pending entry when running at-least-once.
// Returns nil in at-most-once mode.
func (w *Output) trackPending(i *clientInfo, messageID, subject string, envelopeData []byte) chan bool {
	if w.deliveryMode != DeliveryAtLeastOnce {
		return nil
	}

	ackChan := make(chan bool, 1)
	pending := &PendingMessage{
		ID:      messageID,
		Data:    envelopeData,
		Subject: subject,
		SentAt:  time.Now(),
		AckChan: ackChan,
	}

	i.pendingMu.Lock()
	i.pendingMessages[messageID] = pending
	i.pendingMu.Unlock()

	if err := i.pendingBuffer.Write(pending); err != nil {
		if w.metrics != nil {
			w.metrics.errorsTotal.WithLabelValues("pending_buffer_full").Inc()
		}
	}

	return ackChan
}

// failDelivery drops the viewer and clears its pending entry.
func (w *Output) failDelivery(c *websocket.Conn, i *clientInfo, messageID, reason string) {
	w.removeClient(c, i)
	atomic.AddInt64(&w.errors, 1)
	if w.metrics != nil {
		w.metrics.errorsTotal.WithLabelValues(reason).Inc()
	}
	if w.deliveryMode == DeliveryAtLeastOnce {
		i.pendingMu.Lock()
		delete(i.pendingMessages, messageID)
		i.pendingMu.Unlock()
	}
}

// recordDelivery books the send and, in at-least-once mode, waits for
// the viewer's ack.
func (w *Output) recordDelivery(i *clientInfo, messageID, subject string, envelopeData []byte, ackChan chan bool) {
	atomic.AddInt64(&w.messagesSent, 1)
	atomic.AddInt64(&w.bytesSent, int64(len(envelopeData)))
	if w.metrics != nil {
		w.metrics.messagesSent.WithLabelValues(subject).Inc()
		w.metrics.bytesSent.Add(float64(len(envelopeData)))
		w.metrics.messageSizeBytes.WithLabelValues(subject).Observe(float64(len(envelopeData)))
	}

	if w.deliveryMode == DeliveryAtLeastOnce && ackChan != nil {
		w.awaitAck(i, messageID, ackChan)
	}
}

// awaitAck blocks until the viewer acks, nacks, or the ack timeout
// expires.
func (w *Output) awaitAck(i *clientInfo, messageID string, ackChan chan bool) {
	ackCtx, ackCancel := context.WithTimeout(context.Background(), w.ackTimeout)
	defer ackCancel()

	select {
	case acked := <-ackChan:
		if !acked {
			if w.metrics != nil {
				w.metrics.errorsTotal.WithLabelValues("nack_received").Inc()
			}
		}
	case <-ackCtx.Done():
		if w.metrics != nil {
			w.metrics.errorsTotal.WithLabelValues("ack_timeout").Inc()
		}
		i.pendingMu.Lock()
		delete(i.pendingMessages, messageID)
		i.pendingMu.Unlock()
	}
}

// writeFrame writes one message under the per-connection write lock.
func (w *Output) writeFrame(conn *websocket.Conn, info *clientInfo, data []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

	return conn.WriteMessage(websocket.TextMessage, data)
}

// clientMaintenance pings viewers on an interval and drops the dead
// ones.
func (w *Output) clientMaintenance(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.pingAll(ctx)
		}
	}
}

func (w *Output) pingAll(ctx context.Context) {
	clientList, clientInfoMap := w.snapshotClients()

	select {
	case <-ctx.Done():
		return
	case <-w.shutdown:
		return
	default:
	}

	for _, conn := range clientList {
		info := clientInfoMap[conn]
		if info.closed.Load() {
			continue
		}

		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			w.removeClient(conn, info)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
		}
	}
}

// Register adds the websocket factory to the registry.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "websocket",
		Factory:     CreateOutput,
		Schema:      websocketSchema,
		Type:        "output",
		Protocol:    "websocket",
		Domain:      "network",
		Description: "WebSocket output component streaming fused object events to connected clients",
		Version:     "1.0.0",
	})
}

// CreateOutput is the registry factory for the websocket output.
func CreateOutput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultConfig()

	if len(rawConfig) > 0 {
		if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "websocket-output-factory", "create", "parse config")
		}
	}

	// Ports carry the whole wiring: the listen endpoint rides in the
	// output port URL, the subscriptions in the input port subjects.
	var port int
	var path string
	var subjects []string

	if cfg.Ports != nil {
		if len(cfg.Ports.Outputs) > 0 && cfg.Ports.Outputs[0].Subject != "" {
			url := cfg.Ports.Outputs[0].Subject
			var parsedPort int
			var parsedPath string
			if _, err := fmt.Sscanf(url, "http://0.0.0.0:%d%s", &parsedPort, &parsedPath); err == nil {
				port = parsedPort
				path = parsedPath
			}
		}

		for _, input := range cfg.Ports.Inputs {
			if input.Subject != "" {
				subjects = append(subjects, input.Subject)
			}
		}
	}

	if port == 0 {
		port = 8081
	}
	if path == "" {
		path = "/ws"
	}
	if len(subjects) == 0 {
		subjects = []string{"fused.objects"}
	}

	deliveryMode := DeliveryAtMostOnce
	if cfg.DeliveryMode != "" {
		deliveryMode = cfg.DeliveryMode
	}

	ackTimeout := 5 * time.Second
	if cfg.AckTimeout != "" {
		parsed, err := time.ParseDuration(cfg.AckTimeout)
		if err != nil {
			return nil, errors.WrapInvalid(err, "websocket-output-factory", "create", "parse ack_timeout")
		}
		ackTimeout = parsed
	}

	// Port 0 is allowed so tests can pick a random port
	if port != 0 && (port < 1024 || port > 65535) {
		return nil, errors.WrapInvalid(fmt.Errorf("port %d out of range", port),
			"websocket-output-factory", "create", "port range validation")
	}

	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("NATS client is required"),
			"websocket-output-factory", "create", "NATS client validation")
	}

	ctorCfg := ConstructorConfig{
		Name:            "websocket-output",
		Port:            port,
		Path:            path,
		Subjects:        subjects,
		NATSClient:      deps.NATSClient,
		MetricsRegistry: deps.MetricsRegistry,
		Security:        deps.Security,
		DeliveryMode:    deliveryMode,
		AckTimeout:      ackTimeout,
	}

	return NewOutputFromConfig(ctorCfg), nil
}
