//go:build integration
// +build integration

package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/geofuse/metric"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/pkg/security"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWebSocketOutput_AckFlow tests successful ack flow with an acknowledging client
func TestWebSocketOutput_AckFlow(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}

	natsClient := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	ctx := context.Background()

	registry := metric.NewMetricsRegistry()

	outputPort := getIntegrationPort(t)
	wsOutput := NewOutputFromConfig(ConstructorConfig{
		Name:            "viewer-feed",
		Port:            outputPort,
		Path:            "/stream",
		Subjects:        []string{"fused.objects"},
		NATSClient:      natsClient.Client,
		MetricsRegistry: registry,
		Security:        security.Config{},
		DeliveryMode:    DeliveryAtLeastOnce,
		AckTimeout:      5 * time.Second,
	})

	require.NoError(t, wsOutput.Initialize())
	require.NoError(t, wsOutput.Start(ctx))
	defer wsOutput.Stop(5 * time.Second)

	time.Sleep(200 * time.Millisecond)

	// Connect a client that acks every data message it receives
	wsURL := fmt.Sprintf("ws://localhost:%d/stream", outputPort)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		for {
			var envelope MessageEnvelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Type != "data" {
				continue
			}
			ack := MessageEnvelope{
				Type:      "ack",
				ID:        envelope.ID,
				Timestamp: time.Now().UnixMilli(),
			}
			_ = conn.WriteJSON(ack)
		}
	}()

	time.Sleep(200 * time.Millisecond)

	wsOutput.clientsMu.RLock()
	clientCount := len(wsOutput.clients)
	wsOutput.clientsMu.RUnlock()
	require.Equal(t, 1, clientCount, "WebSocket Output should have 1 connected client")

	// Publish a fused object event through NATS
	testData := map[string]interface{}{
		"identity_id":  "obj-42",
		"object_class": "vehicle",
		"confidence":   0.92,
		"frame_time":   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(testData)
	require.NoError(t, err)

	err = natsClient.Client.Publish(ctx, "fused.objects", payload)
	require.NoError(t, err)

	// Wait for the message to broadcast and the ack to round-trip
	time.Sleep(1 * time.Second)

	outputSent := atomic.LoadInt64(&wsOutput.messagesSent)
	assert.Greater(t, outputSent, int64(0), "Output should have sent message to WebSocket clients")

	// Ack received, pending map should be empty
	wsOutput.clientsMu.RLock()
	var pendingCount int
	for _, client := range wsOutput.clients {
		client.pendingMu.RLock()
		pendingCount = len(client.pendingMessages)
		client.pendingMu.RUnlock()
	}
	wsOutput.clientsMu.RUnlock()

	assert.Equal(t, 0, pendingCount, "Output should have no pending messages after ack")

	if wsOutput.metrics != nil {
		sentCount := wsOutput.metrics.messagesSent.WithLabelValues("fused.objects")
		assert.NotNil(t, sentCount, "Output should have messagesSent metric")
	}
}

// TestWebSocketOutput_NackFlow tests nack handling from a failing client
func TestWebSocketOutput_NackFlow(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}

	natsClient := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	ctx := context.Background()

	registry := metric.NewMetricsRegistry()

	outputPort := getIntegrationPort(t)
	wsOutput := NewOutputFromConfig(ConstructorConfig{
		Name:            "viewer-feed-nack",
		Port:            outputPort,
		Path:            "/stream",
		Subjects:        []string{"fused.objects.nack"},
		NATSClient:      natsClient.Client,
		MetricsRegistry: registry,
		Security:        security.Config{},
		DeliveryMode:    DeliveryAtLeastOnce,
		AckTimeout:      2 * time.Second, // Short timeout for faster test
	})

	require.NoError(t, wsOutput.Initialize())
	require.NoError(t, wsOutput.Start(ctx))
	defer wsOutput.Stop(5 * time.Second)

	time.Sleep(200 * time.Millisecond)

	// Connect a client that nacks every data message
	wsURL := fmt.Sprintf("ws://localhost:%d/stream", outputPort)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	nacked := make(chan string, 1)
	go func() {
		for {
			var envelope MessageEnvelope
			if err := conn.ReadJSON(&envelope); err != nil {
				return
			}
			if envelope.Type != "data" {
				continue
			}
			nack := MessageEnvelope{
				Type:      "nack",
				ID:        envelope.ID,
				Timestamp: time.Now().UnixMilli(),
			}
			_ = conn.WriteJSON(nack)
			select {
			case nacked <- envelope.ID:
			default:
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)

	testData := map[string]interface{}{
		"identity_id":  "obj-43",
		"object_class": "person",
		"confidence":   0.7,
	}
	payload, err := json.Marshal(testData)
	require.NoError(t, err)

	err = natsClient.Client.Publish(ctx, "fused.objects.nack", payload)
	require.NoError(t, err)

	select {
	case <-nacked:
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for client to nack message")
	}

	// Give the server time to process the nack
	time.Sleep(500 * time.Millisecond)

	// Nack removes the message from the pending map (no retry yet)
	wsOutput.clientsMu.RLock()
	var pendingCount int
	for _, client := range wsOutput.clients {
		client.pendingMu.RLock()
		pendingCount = len(client.pendingMessages)
		client.pendingMu.RUnlock()
	}
	wsOutput.clientsMu.RUnlock()

	assert.Equal(t, 0, pendingCount, "Nacked message should be removed from pending")
}

// TestWebSocketOutput_MessageEnvelopeProtocol tests the envelope structure
func TestWebSocketOutput_MessageEnvelopeProtocol(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}

	natsClient := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	ctx := context.Background()

	registry := metric.NewMetricsRegistry()

	outputPort := getAvailablePort(t)
	wsOutput := NewOutputFromConfig(ConstructorConfig{
		Name:            "viewer-feed-envelope",
		Port:            outputPort,
		Path:            "/stream",
		Subjects:        []string{"fused.objects.envelope"},
		NATSClient:      natsClient.Client,
		MetricsRegistry: registry,
		Security:        security.Config{},
		DeliveryMode:    DeliveryAtLeastOnce,
		AckTimeout:      5 * time.Second,
	})

	require.NoError(t, wsOutput.Initialize())
	require.NoError(t, wsOutput.Start(ctx))
	defer wsOutput.Stop(5 * time.Second)

	time.Sleep(200 * time.Millisecond)

	// Connect WebSocket client manually to inspect envelope
	wsURL := fmt.Sprintf("ws://localhost:%d/stream", outputPort)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	envelopes := make(chan MessageEnvelope, 10)
	go func() {
		for {
			var envelope MessageEnvelope
			err := conn.ReadJSON(&envelope)
			if err != nil {
				return
			}
			envelopes <- envelope
		}
	}()

	testData := map[string]interface{}{"identity_id": "obj-envelope"}
	payload, err := json.Marshal(testData)
	require.NoError(t, err)

	err = natsClient.Client.Publish(ctx, "fused.objects.envelope", payload)
	require.NoError(t, err)

	select {
	case envelope := <-envelopes:
		assert.Equal(t, "data", envelope.Type, "Envelope type should be 'data'")
		assert.NotEmpty(t, envelope.ID, "Envelope should have message ID")
		assert.Greater(t, envelope.Timestamp, int64(0), "Envelope should have timestamp")
		assert.NotNil(t, envelope.Payload, "Envelope should have payload")

		var receivedData map[string]interface{}
		err := json.Unmarshal(envelope.Payload, &receivedData)
		require.NoError(t, err)
		assert.Equal(t, "obj-envelope", receivedData["identity_id"])

		// Send ack back
		ack := MessageEnvelope{
			Type:      "ack",
			ID:        envelope.ID,
			Timestamp: time.Now().UnixMilli(),
		}
		err = conn.WriteJSON(ack)
		require.NoError(t, err)

	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for message envelope")
	}

	// Wait for ack to be processed
	time.Sleep(500 * time.Millisecond)

	wsOutput.clientsMu.RLock()
	var pendingCount int
	for _, client := range wsOutput.clients {
		client.pendingMu.RLock()
		pendingCount = len(client.pendingMessages)
		client.pendingMu.RUnlock()
	}
	wsOutput.clientsMu.RUnlock()

	assert.Equal(t, 0, pendingCount, "Pending messages should be cleared after ack")
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getIntegrationPort(t *testing.T) int {
	t.Helper()

	basePort := 18082
	for i := 0; i < 100; i++ {
		port := basePort + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			ln.Close()
			return port
		}
	}

	t.Fatal("Could not find available port for integration testing")
	return 18082 // Never reached
}
