package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/pkg/security"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWebSocketConfig wires a viewer feed at port/path draining the
// given subjects.
func testWebSocketConfig(port int, path string, subjects []string) Config {
	inputs := make([]component.PortDefinition, len(subjects))
	for i, subject := range subjects {
		inputs[i] = component.PortDefinition{
			Name:        fmt.Sprintf("nats_input_%d", i),
			Type:        "nats",
			Subject:     subject,
			Required:    true,
			Description: fmt.Sprintf("NATS subject subscription for %s", subject),
		}
	}

	// The server endpoint is encoded as a URL in the output port.
	outputs := []component.PortDefinition{
		{
			Name:        "websocket_server",
			Type:        "network",
			Subject:     fmt.Sprintf("http://0.0.0.0:%d%s", port, path),
			Required:    false,
			Description: "WebSocket endpoint for fused object streaming",
		},
	}

	return Config{
		Ports: &component.PortConfig{
			Inputs:  inputs,
			Outputs: outputs,
		},
	}
}

// startOutput runs Initialize and Start and waits for the HTTP server
// to come up. Callers own the Stop.
func startOutput(t *testing.T, out *Output, timeout time.Duration) context.CancelFunc {
	t.Helper()

	require.NoError(t, out.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	require.NoError(t, out.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	return cancel
}

// dialOutput connects a test viewer to the running server.
func dialOutput(t *testing.T, port int, path string) *websocket.Conn {
	t.Helper()

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d%s", port, path)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestWebSocketOutput_Interfaces(_ *testing.T) {
	out := NewOutput(8080, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	var _ component.Discoverable = out
	var _ component.LifecycleComponent = out
}

func TestWebSocketOutput_Meta(t *testing.T) {
	out := NewOutput(8081, "/feed", []string{"fused.objects"}, &natsclient.Client{})

	meta := out.Meta()

	assert.Equal(t, "websocket-output-8081", meta.Name)
	assert.Equal(t, "output", meta.Type)
	assert.Equal(t, "1.0.0", meta.Version)
	assert.Contains(t, meta.Description, "/feed:8081")
	assert.Contains(t, meta.Description, "[fused.objects]")
}

func TestWebSocketOutput_Ports(t *testing.T) {
	out := NewOutput(8082, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	inputPorts := out.InputPorts()
	require.Len(t, inputPorts, 1)
	assert.Equal(t, "nats_input_0", inputPorts[0].Name)
	assert.Equal(t, component.DirectionInput, inputPorts[0].Direction)

	natsPort, ok := inputPorts[0].Config.(component.NATSPort)
	require.True(t, ok, "input port config should be NATSPort, got %T", inputPorts[0].Config)
	assert.Equal(t, "fused.objects", natsPort.Subject)

	outputPorts := out.OutputPorts()
	require.Len(t, outputPorts, 1)
	assert.Equal(t, "websocket_endpoint", outputPorts[0].Name)
	assert.Equal(t, component.DirectionOutput, outputPorts[0].Direction)

	networkPort, ok := outputPorts[0].Config.(component.NetworkPort)
	require.True(t, ok, "output port config should be NetworkPort, got %T", outputPorts[0].Config)
	assert.Equal(t, "websocket", networkPort.Protocol)
}

func TestWebSocketOutput_ConfigSchema(t *testing.T) {
	out := NewOutput(8083, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	schema := out.ConfigSchema()

	// Everything defaults, so nothing is required.
	assert.Empty(t, schema.Required)

	portsProp, exists := schema.Properties["ports"]
	require.True(t, exists, "schema should expose a ports property")
	assert.Equal(t, "ports", portsProp.Type)
	assert.Equal(t, "basic", portsProp.Category)
}

func TestWebSocketOutput_Health(t *testing.T) {
	out := NewOutput(8084, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	health := out.Health()
	assert.False(t, health.Healthy, "should be unhealthy before Start")
	assert.Equal(t, 0, health.ErrorCount)
}

func TestWebSocketOutput_DataFlow(t *testing.T) {
	out := NewOutput(8085, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	flow := out.DataFlow()
	assert.Zero(t, flow.MessagesPerSecond)
	assert.Zero(t, flow.BytesPerSecond)
	assert.Zero(t, flow.ErrorRate)
}

func TestWebSocketOutput_Initialize(t *testing.T) {
	tests := []struct {
		name       string
		port       int
		path       string
		subjects   []string
		natsClient *natsclient.Client
		wantErr    string
	}{
		{
			name:       "valid config",
			port:       8086,
			path:       "/ws",
			subjects:   []string{"fused.objects"},
			natsClient: &natsclient.Client{},
		},
		{
			name:       "privileged port rejected",
			port:       1023,
			path:       "/ws",
			subjects:   []string{"fused.objects"},
			natsClient: &natsclient.Client{},
			wantErr:    "invalid port",
		},
		{
			name:       "port above range",
			port:       65536,
			path:       "/ws",
			subjects:   []string{"fused.objects"},
			natsClient: &natsclient.Client{},
			wantErr:    "invalid port",
		},
		{
			name:       "empty path",
			port:       8087,
			subjects:   []string{"fused.objects"},
			natsClient: &natsclient.Client{},
			wantErr:    "WebSocket path cannot be empty",
		},
		{
			name:       "no subjects",
			port:       8088,
			path:       "/ws",
			subjects:   []string{},
			natsClient: &natsclient.Client{},
			wantErr:    "NATS subjects cannot be empty",
		},
		{
			// A nil client is tolerated so the server can run standalone
			// in tests.
			name:     "nil NATS client",
			port:     8089,
			path:     "/ws",
			subjects: []string{"fused.objects"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewOutput(tt.port, tt.path, tt.subjects, tt.natsClient)
			err := out.Initialize()

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// Many viewers connecting, chatting, and dropping while broadcasts run
// must not trip the race detector or corrupt state.
func TestWebSocketOutput_RaceConditions(t *testing.T) {
	out := NewOutput(8901, "/ws", []string{"fused.objects"}, nil)

	cancel := startOutput(t, out, 10*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	const numClients = 50
	const messagesPerClient = 10

	var wg sync.WaitGroup

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8901/ws", nil)
			if err != nil {
				t.Logf("viewer %d could not connect: %v", clientID, err)
				return
			}
			defer conn.Close()

			for j := 0; j < messagesPerClient; j++ {
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
				time.Sleep(1 * time.Millisecond)
			}
		}(i)
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(msgID int) {
			defer wg.Done()

			event := []byte(fmt.Sprintf(`{"object_id":"obj-%d","confidence":0.9}`, msgID))
			out.broadcastToClients(context.Background(), "fused.objects", event)
			time.Sleep(1 * time.Millisecond)
		}(i)
	}

	wg.Wait()

	health := out.Health()
	assert.True(t, health.Healthy, "component unhealthy after race test: %+v", health)
}

func TestWebSocketOutput_ConcurrentClients(t *testing.T) {
	out := NewOutput(8902, "/ws", []string{"fused.objects"}, nil)

	cancel := startOutput(t, out, 15*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	const numClients = 100

	var wg sync.WaitGroup
	var connectErrors int32

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8902/ws", nil)
			if err != nil {
				atomic.AddInt32(&connectErrors, 1)
				t.Logf("viewer %d could not connect: %v", clientID, err)
				return
			}
			defer conn.Close()

			time.Sleep(50 * time.Millisecond)

			// Drain whatever arrives until the deadline so pings are
			// answered.
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}(i)
	}

	go func() {
		for i := 0; i < 10; i++ {
			event := []byte(fmt.Sprintf(`{"object_id":"obj-%d","confidence":0.8}`, i))
			out.broadcastToClients(context.Background(), "fused.objects", event)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	wg.Wait()

	errorRate := float64(atomic.LoadInt32(&connectErrors)) / float64(numClients)
	assert.LessOrEqual(t, errorRate, 0.1,
		"too many connection failures under load: %d/%d", connectErrors, numClients)

	health := out.Health()
	assert.True(t, health.Healthy, "component unhealthy after stress: %+v", health)
}

// Duplicate removeClient calls happen when the read loop and the
// maintenance loop both notice a dead viewer. Neither may panic.
func TestWebSocketOutput_DoubleClose(t *testing.T) {
	out := NewOutput(8903, "/ws", []string{"fused.objects"}, nil)

	cancel := startOutput(t, out, 5*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	conn := dialOutput(t, 8903, "/ws")

	time.Sleep(50 * time.Millisecond)

	out.clientsMu.RLock()
	var info *clientInfo
	var clientConn *websocket.Conn
	for c, i := range out.clients {
		clientConn = c
		info = i
		break
	}
	out.clientsMu.RUnlock()
	require.NotNil(t, info, "server never registered the viewer")

	// Drop the connection first so the read loop exits.
	conn.Close()
	time.Sleep(100 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.removeClient(clientConn, info)
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)

	out.clientsMu.RLock()
	remaining := len(out.clients)
	out.clientsMu.RUnlock()

	assert.Equal(t, 0, remaining, "viewer should be gone after removal")
	assert.True(t, info.closed.Load(), "closed flag should be set")
}

func TestWebSocketOutput_AtomicCleanup(t *testing.T) {
	out := NewOutput(8904, "/ws", []string{"fused.objects"}, nil)

	cancel := startOutput(t, out, 5*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	const numClients = 20
	var wg sync.WaitGroup

	// Viewers that vanish immediately after connecting.
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8904/ws", nil)
			if err != nil {
				t.Logf("viewer %d could not connect: %v", clientID, err)
				return
			}
			conn.Close()
		}(i)
	}
	wg.Wait()

	time.Sleep(200 * time.Millisecond)

	out.clientsMu.RLock()
	remaining := len(out.clients)
	out.clientsMu.RUnlock()

	assert.Equal(t, 0, remaining, "abrupt disconnects should all be cleaned up")

	health := out.Health()
	assert.True(t, health.Healthy, "component unhealthy after cleanup churn: %+v", health)
}

func TestWebSocketOutput_Lifecycle(t *testing.T) {
	out := NewOutput(8091, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	require.NoError(t, out.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Start may fail without a live broker. The lifecycle contract
	// still requires a clean Stop afterwards.
	_ = out.Start(ctx)

	require.NoError(t, out.Stop(5*time.Second))

	health := out.Health()
	assert.False(t, health.Healthy, "should be unhealthy after Stop")
}

func TestWebSocketOutput_MessageHandling(t *testing.T) {
	out := NewOutput(8092, "/ws", []string{"fused.objects"}, &natsclient.Client{})
	require.NoError(t, out.Initialize())

	out.mu.Lock()
	out.running = true
	out.mu.Unlock()

	tests := []struct {
		name    string
		msgData []byte
	}{
		{"valid fused object", []byte(`{"identity_id":"obj-123","object_class":"vehicle","confidence":0.9}`)},
		{"non-JSON payload", []byte("not json")},
		{"empty payload", []byte("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out.handleNATSMessageData(context.Background(), tt.msgData, "fused.objects")

			out.mu.RLock()
			lastActivity := out.lastActivity
			out.mu.RUnlock()

			assert.False(t, lastActivity.IsZero(), "lastActivity should advance on any payload")
		})
	}
}

func TestWebSocketOutput_ClientManagement(t *testing.T) {
	out := NewOutput(8093, "/ws", []string{"fused.objects"}, &natsclient.Client{})

	out.clientsMu.RLock()
	assert.Empty(t, out.clients)
	out.clientsMu.RUnlock()

	// Broadcasting into an empty room is a no-op, not an error.
	out.broadcastToClients(context.Background(), "fused.objects", []byte(`{"object_id":"obj-1"}`))

	out.mu.RLock()
	errCount := out.errors
	out.mu.RUnlock()

	assert.Zero(t, errCount, "broadcast with no viewers should not count errors")
}

func TestWebSocketOutput_ThreadSafety(t *testing.T) {
	out := NewOutput(8094, "/ws", []string{"fused.objects"}, &natsclient.Client{})
	require.NoError(t, out.Initialize())

	out.mu.Lock()
	out.running = true
	out.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = out.Health()
				_ = out.DataFlow()
				_ = out.Meta()

				event := []byte(fmt.Sprintf(`{"object_id":"obj-%d"}`, j))
				out.handleNATSMessageData(context.Background(), event, "fused.objects")

				time.Sleep(time.Millisecond)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for concurrent access to finish")
	}

	health := out.Health()
	assert.GreaterOrEqual(t, health.ErrorCount, 0)
}

// createTestWebSocketOutput builds an instance for the shared lifecycle
// suite. The nil NATS client keeps the suite free of external brokers.
func createTestWebSocketOutput() component.LifecycleComponent {
	return NewOutput(18080, "/feed", []string{"fused.objects"}, nil)
}

func TestWebSocketOutput_ComprehensiveLifecycle(t *testing.T) {
	component.StandardLifecycleTests(t, createTestWebSocketOutput)
}

func TestWebSocketOutput_SpecificErrorCases(t *testing.T) {
	tests := []struct {
		name      string
		setup     func() *Output
		operation func(*Output) error
		wantErr   string
	}{
		{
			name:      "initialize with invalid port",
			setup:     func() *Output { return NewOutput(99999, "/ws", []string{"fused.objects"}, nil) },
			operation: func(out *Output) error { return out.Initialize() },
			wantErr:   "invalid port",
		},
		{
			name:      "initialize with empty path",
			setup:     func() *Output { return NewOutput(18081, "", []string{"fused.objects"}, nil) },
			operation: func(out *Output) error { return out.Initialize() },
			wantErr:   "WebSocket path cannot be empty",
		},
		{
			name:      "initialize with no subjects",
			setup:     func() *Output { return NewOutput(18082, "/ws", nil, nil) },
			operation: func(out *Output) error { return out.Initialize() },
			wantErr:   "NATS subjects cannot be empty",
		},
		{
			name: "start without broker",
			setup: func() *Output {
				out := NewOutput(18083, "/ws", []string{"fused.objects"}, nil)
				_ = out.Initialize()
				return out
			},
			operation: func(out *Output) error {
				ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				defer cancel()
				return out.Start(ctx)
			},
		},
		{
			name: "nil payload does not panic",
			setup: func() *Output {
				out := NewOutput(18084, "/ws", []string{"fused.objects"}, nil)
				_ = out.Initialize()
				return out
			},
			operation: func(out *Output) error {
				out.handleNATSMessageData(context.Background(), nil, "fused.objects")
				return nil
			},
		},
		{
			name: "concurrent metadata access",
			setup: func() *Output {
				out := NewOutput(18085, "/ws", []string{"fused.objects"}, nil)
				_ = out.Initialize()
				return out
			},
			operation: func(out *Output) error {
				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_ = out.Meta()
						_ = out.Health()
						_ = out.DataFlow()
					}()
				}
				wg.Wait()
				return nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.setup()
			err := tt.operation(out)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else if err != nil {
				t.Logf("operation returned %v (tolerated)", err)
			}

			out.Stop(5 * time.Second)
		})
	}
}

func TestWebSocketOutput_ConcurrentClientHandling(t *testing.T) {
	out := createTestWebSocketOutput().(*Output)

	cancel := startOutput(t, out, 5*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	var wg sync.WaitGroup
	const numWorkers = 10
	const operationsPerWorker = 20

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < operationsPerWorker; j++ {
				event := []byte(fmt.Sprintf(`{"object_id":"obj-%d-%d","confidence":0.7}`, workerID, j))
				out.broadcastToClients(context.Background(), "fused.objects", event)

				_ = out.Health()
				_ = out.DataFlow()

				time.Sleep(time.Microsecond)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, "output", out.Meta().Type)
}

func TestWebSocketOutput_MemoryStability(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping memory stability test in short mode")
	}

	const iterations = 200
	for i := 0; i < iterations; i++ {
		out := NewOutput(19000+i, "/feed", []string{"fused.objects"}, nil)

		_ = out.Initialize()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = out.Start(ctx)

		event := []byte(fmt.Sprintf(`{"object_id":"obj-%d"}`, i))
		out.broadcastToClients(context.Background(), "fused.objects", event)

		_ = out.Stop(5 * time.Second)
		cancel()

		if i%50 == 49 {
			runtime.GC()
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWebSocketOutput_StateTransitions(t *testing.T) {
	tests := []struct {
		name       string
		operations []string
	}{
		{"normal lifecycle", []string{"Initialize", "Start", "Stop"}},
		{"double initialize", []string{"Initialize", "Initialize"}},
		{"stop without start", []string{"Stop"}},
		{"restart cycle", []string{"Initialize", "Start", "Stop", "Initialize", "Start", "Stop"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewOutput(19100+len(tt.operations), "/feed", []string{"fused.objects"}, nil)

			for _, op := range tt.operations {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				var err error
				switch op {
				case "Initialize":
					err = out.Initialize()
				case "Start":
					err = out.Start(ctx)
				case "Stop":
					err = out.Stop(5 * time.Second)
				}
				cancel()

				if err != nil {
					t.Logf("%s returned %v (state-dependent, tolerated)", op, err)
				}
			}

			out.Stop(5 * time.Second)
		})
	}
}

func BenchmarkWebSocketOutput_Lifecycle(b *testing.B) {
	component.BenchmarkLifecycleMethods(b, createTestWebSocketOutput)
}

func TestWebSocketOutput_BroadcastStress(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping broadcast stress test in short mode")
	}

	out := NewOutput(19200, "/feed", []string{"fused.objects"}, nil)

	cancel := startOutput(t, out, 10*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	const numBroadcasts = 1000

	for i := 0; i < numBroadcasts; i++ {
		event := []byte(fmt.Sprintf(`{"object_id":"obj-%d","confidence":0.85}`, i))
		out.broadcastToClients(context.Background(), "fused.objects", event)

		if i%50 == 49 {
			time.Sleep(time.Millisecond)
		}
	}

	health := out.Health()
	assert.True(t, health.Healthy, "component unhealthy after %d broadcasts: %+v", numBroadcasts, health)
}

// findAvailablePort grabs a free TCP port for a throwaway server.
func findAvailablePort(t *testing.T) int {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func TestWebSocketOutput_Creation_ValidConfig(t *testing.T) {
	testClient := natsclient.NewTestClient(t, natsclient.WithJetStream())

	wsConfig := testWebSocketConfig(8082, "/ws", []string{"fused.objects", "fused.zones.>"})
	configJSON, err := json.Marshal(wsConfig)
	require.NoError(t, err)

	deps := component.Dependencies{
		NATSClient: testClient.Client,
		Platform: component.PlatformMeta{
			Org:      "c360",
			Platform: "sensor-gw-01",
		},
	}

	wsOutput, err := CreateOutput(configJSON, deps)
	require.NoError(t, err)
	require.NotNil(t, wsOutput)

	meta := wsOutput.Meta()
	require.Equal(t, "output", meta.Type)
	require.Contains(t, meta.Description, ":8082")
	require.Contains(t, meta.Description, "/ws")

	outputPorts := wsOutput.OutputPorts()
	require.Len(t, outputPorts, 1)
	wsPort := outputPorts[0].Config.(component.NetworkPort)
	require.Equal(t, 8082, wsPort.Port)
	require.Equal(t, "websocket", wsPort.Protocol)
}

func TestWebSocketOutput_Creation_InvalidPort(t *testing.T) {
	testClient := natsclient.NewTestClient(t, natsclient.WithJetStream())

	testCases := []struct {
		name          string
		port          int
		expectedError string
	}{
		{"port too low", 500, "port 500 out of range"},
		{"port too high", 99999, "port 99999 out of range"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wsConfig := testWebSocketConfig(tc.port, "/ws", []string{"fused.>"})
			configJSON, err := json.Marshal(wsConfig)
			require.NoError(t, err)

			deps := component.Dependencies{
				NATSClient: testClient.Client,
				Platform: component.PlatformMeta{
					Org:      "c360",
					Platform: "sensor-gw-01",
				},
			}

			_, err = CreateOutput(configJSON, deps)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expectedError)
		})
	}
}

func TestWebSocketOutput_Creation_MissingNATSClient(t *testing.T) {
	wsConfig := testWebSocketConfig(8082, "/ws", []string{"fused.>"})
	configJSON, err := json.Marshal(wsConfig)
	require.NoError(t, err)

	deps := component.Dependencies{
		Platform: component.PlatformMeta{
			Org:      "c360",
			Platform: "sensor-gw-01",
		},
	}

	_, err = CreateOutput(configJSON, deps)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NATS client is required")
}

// End-to-end: a fused object published on NATS reaches a connected
// viewer wrapped in the delivery envelope.
func TestWebSocketOutput_Integration_NATSToWebSocket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testClient := natsclient.NewTestClient(t, natsclient.WithJetStream())
	port := findAvailablePort(t)

	wsConfig := testWebSocketConfig(port, "/feed", []string{"fused.objects"})
	configJSON, err := json.Marshal(wsConfig)
	require.NoError(t, err)

	deps := component.Dependencies{
		NATSClient: testClient.Client,
		Platform: component.PlatformMeta{
			Org:      "c360",
			Platform: "sensor-gw-01",
		},
	}

	wsOutput, err := CreateOutput(configJSON, deps)
	require.NoError(t, err)

	wsLifecycle := wsOutput.(component.LifecycleComponent)
	require.NoError(t, wsLifecycle.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, wsLifecycle.Start(ctx))
	defer wsLifecycle.Stop(5 * time.Second)

	time.Sleep(200 * time.Millisecond)

	wsConn := dialOutput(t, port, "/feed")
	defer wsConn.Close()

	received := make(chan map[string]any, 1)
	go func() {
		for {
			var msg map[string]any
			if err := wsConn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	}()

	time.Sleep(100 * time.Millisecond)

	event := map[string]any{
		"type": "fused_object",
		"id":   "obj-123",
		"data": "camera-north + lidar-east",
	}

	msgBytes, _ := json.Marshal(event)
	require.NoError(t, testClient.GetNativeConnection().Publish("fused.objects", msgBytes))

	select {
	case receivedMsg := <-received:
		require.Equal(t, "data", receivedMsg["type"], "envelope type should be 'data'")
		require.NotEmpty(t, receivedMsg["id"], "envelope should carry a message ID")
		require.NotEmpty(t, receivedMsg["timestamp"])

		payload, ok := receivedMsg["payload"].(map[string]any)
		require.True(t, ok, "payload should be a map")
		require.Equal(t, "fused_object", payload["type"])
		require.Equal(t, "obj-123", payload["id"])
		require.Equal(t, "fused.objects", payload["subject"])
		require.NotEmpty(t, payload["timestamp"])
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the event on the WebSocket side")
	}
}

func TestWebSocketOutput_Lifecycle_StartStop(t *testing.T) {
	testClient := natsclient.NewTestClient(t, natsclient.WithJetStream())

	port := findAvailablePort(t)
	wsConfig := testWebSocketConfig(port, "/feed", []string{"fused.objects"})
	configJSON, err := json.Marshal(wsConfig)
	require.NoError(t, err)

	deps := component.Dependencies{
		NATSClient: testClient.Client,
		Platform: component.PlatformMeta{
			Org:      "c360",
			Platform: "sensor-gw-01",
		},
	}

	wsOutput, err := CreateOutput(configJSON, deps)
	require.NoError(t, err)

	wsLifecycle := wsOutput.(component.LifecycleComponent)
	require.NoError(t, wsLifecycle.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsLifecycle.Start(ctx))
	require.True(t, wsLifecycle.Health().Healthy, "should be healthy after Start")

	require.NoError(t, wsLifecycle.Stop(5*time.Second))
	require.False(t, wsLifecycle.Health().Healthy, "should be unhealthy after Stop")
}

// End-to-end: one published event fans out to every connected viewer.
func TestWebSocketOutput_Integration_MultipleClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testClient := natsclient.NewTestClient(t, natsclient.WithJetStream())
	port := findAvailablePort(t)

	wsConfig := testWebSocketConfig(port, "/feed", []string{"fused.objects"})
	configJSON, err := json.Marshal(wsConfig)
	require.NoError(t, err)

	deps := component.Dependencies{
		NATSClient: testClient.Client,
		Platform: component.PlatformMeta{
			Org:      "c360",
			Platform: "sensor-gw-01",
		},
	}

	wsOutput, err := CreateOutput(configJSON, deps)
	require.NoError(t, err)

	wsLifecycle := wsOutput.(component.LifecycleComponent)
	require.NoError(t, wsLifecycle.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, wsLifecycle.Start(ctx))
	defer wsLifecycle.Stop(5 * time.Second)

	time.Sleep(200 * time.Millisecond)

	const numClients = 3
	clients := make([]*websocket.Conn, numClients)
	receivers := make([]chan map[string]any, numClients)

	for i := 0; i < numClients; i++ {
		clients[i] = dialOutput(t, port, "/feed")
		receivers[i] = make(chan map[string]any, 1)

		go func(clientIdx int) {
			for {
				var msg map[string]any
				if err := clients[clientIdx].ReadJSON(&msg); err != nil {
					return
				}
				receivers[clientIdx] <- msg
			}
		}(i)
	}

	defer func() {
		for _, conn := range clients {
			if conn != nil {
				conn.Close()
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)

	event := map[string]any{
		"type":    "fused_object",
		"id":      "obj-multi",
		"content": "one event, every viewer",
	}

	msgBytes, _ := json.Marshal(event)
	require.NoError(t, testClient.GetNativeConnection().Publish("fused.objects", msgBytes))

	for i := 0; i < numClients; i++ {
		select {
		case receivedMsg := <-receivers[i]:
			require.Equal(t, "data", receivedMsg["type"])

			payload, ok := receivedMsg["payload"].(map[string]any)
			require.True(t, ok, "payload should be a map")
			require.Equal(t, "fused_object", payload["type"])
			require.Equal(t, "obj-multi", payload["id"])
			require.Equal(t, "fused.objects", payload["subject"])
		case <-time.After(5 * time.Second):
			t.Fatalf("viewer %d never received the event", i)
		}
	}
}

func TestWebSocketOutput_Configuration_SubjectParsing(t *testing.T) {
	testClient := natsclient.NewTestClient(t, natsclient.WithJetStream())

	testCases := []struct {
		name          string
		subjects      []string
		expectedCount int
		expectedFirst string
	}{
		{
			name:          "single subject",
			subjects:      []string{"fused.objects"},
			expectedCount: 1,
			expectedFirst: "fused.objects",
		},
		{
			name:          "several subjects",
			subjects:      []string{"fused.objects", "fused.zones.>"},
			expectedCount: 2,
			expectedFirst: "fused.objects",
		},
		{
			name:          "object stream plus raw tap",
			subjects:      []string{"fused.objects", "raw.detections.>"},
			expectedCount: 2,
			expectedFirst: "fused.objects",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wsConfig := testWebSocketConfig(findAvailablePort(t), "/feed", tc.subjects)
			configJSON, err := json.Marshal(wsConfig)
			require.NoError(t, err)

			deps := component.Dependencies{
				NATSClient: testClient.Client,
				Platform: component.PlatformMeta{
					Org:      "c360",
					Platform: "sensor-gw-01",
				},
			}

			wsOutput, err := CreateOutput(configJSON, deps)
			require.NoError(t, err)

			inputPorts := wsOutput.InputPorts()
			require.Len(t, inputPorts, tc.expectedCount)

			natsPort := inputPorts[0].Config.(component.NATSPort)
			require.Equal(t, tc.expectedFirst, natsPort.Subject)
		})
	}
}

func TestWebSocketOutput_MessageEnvelope(t *testing.T) {
	out := NewOutputFromConfig(ConstructorConfig{
		Name:         "ws-viewer",
		Port:         19300,
		Path:         "/feed",
		Subjects:     []string{"fused.objects"},
		Security:     security.Config{},
		DeliveryMode: DeliveryAtMostOnce,
		AckTimeout:   5 * time.Second,
	})

	cancel := startOutput(t, out, 5*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	conn := dialOutput(t, 19300, "/feed")
	defer conn.Close()

	received := make(chan MessageEnvelope, 1)
	go func() {
		for {
			var envelope MessageEnvelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			received <- envelope
		}
	}()

	time.Sleep(100 * time.Millisecond)

	event := []byte(`{"object_id":"obj-1","lat":37.77,"lon":-122.42}`)
	out.broadcastToClients(context.Background(), "fused.objects", event)

	select {
	case envelope := <-received:
		assert.Equal(t, "data", envelope.Type)
		assert.NotEmpty(t, envelope.ID)
		assert.Greater(t, envelope.Timestamp, int64(0))
		assert.NotNil(t, envelope.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the envelope")
	}
}

func TestWebSocketOutput_DeliveryModes(t *testing.T) {
	tests := []struct {
		name         string
		deliveryMode DeliveryMode
		ackTimeout   time.Duration
	}{
		{"at-most-once", DeliveryAtMostOnce, 5 * time.Second},
		{"at-least-once", DeliveryAtLeastOnce, 2 * time.Second},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewOutputFromConfig(ConstructorConfig{
				Name:         "ws-viewer",
				Port:         19305 + i,
				Path:         "/feed",
				Subjects:     []string{"fused.objects"},
				Security:     security.Config{},
				DeliveryMode: tt.deliveryMode,
				AckTimeout:   tt.ackTimeout,
			})

			require.NoError(t, out.Initialize())
			assert.Equal(t, tt.deliveryMode, out.deliveryMode)
			assert.Equal(t, tt.ackTimeout, out.ackTimeout)

			out.Stop(1 * time.Second)
		})
	}
}

func TestWebSocketOutput_MessageIDGeneration(t *testing.T) {
	out := NewOutputFromConfig(ConstructorConfig{
		Name:         "ws-viewer",
		Port:         19312,
		Path:         "/feed",
		Subjects:     []string{"fused.objects"},
		Security:     security.Config{},
		DeliveryMode: DeliveryAtMostOnce,
		AckTimeout:   5 * time.Second,
	})

	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := out.generateMessageID()
		assert.NotEmpty(t, id)
		assert.False(t, ids[id], "duplicate message ID: %s", id)
		ids[id] = true
	}

	assert.Len(t, ids, 1000)
}

// In at-least-once mode every registered viewer carries its own pending
// message tracking.
func TestWebSocketOutput_PendingBufferCreation(t *testing.T) {
	out := NewOutputFromConfig(ConstructorConfig{
		Name:         "ws-viewer",
		Port:         19313,
		Path:         "/feed",
		Subjects:     []string{"fused.objects"},
		Security:     security.Config{},
		DeliveryMode: DeliveryAtLeastOnce,
		AckTimeout:   5 * time.Second,
	})

	cancel := startOutput(t, out, 5*time.Second)
	defer cancel()
	defer out.Stop(5 * time.Second)

	conn := dialOutput(t, 19313, "/feed")
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)

	out.clientsMu.RLock()
	var info *clientInfo
	for _, i := range out.clients {
		info = i
		break
	}
	out.clientsMu.RUnlock()

	require.NotNil(t, info)
	assert.NotNil(t, info.pendingBuffer)
	assert.NotNil(t, info.pendingMessages)
}
