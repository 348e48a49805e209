// Package websocket provides a WebSocket server output component for streaming
// fused object events to connected clients in real time.
//
// # Overview
//
// The WebSocket output component runs a WebSocket server that broadcasts
// incoming NATS messages (by default the fused object stream) to every
// connected client. It supports multiple concurrent clients, per-client write
// timeouts, ping/pong keepalive, and optional acknowledged delivery. It
// implements the component interfaces for lifecycle management and
// observability.
//
// # Quick Start
//
// Start a WebSocket server broadcasting fused object events:
//
//	config := websocket.Config{
//	    Ports: &component.PortConfig{
//	        Inputs: []component.PortDefinition{
//	            {Name: "input", Type: "nats", Subject: "fused.objects", Required: true},
//	        },
//	        Outputs: []component.PortDefinition{
//	            {Name: "websocket_server", Type: "network", Subject: "http://0.0.0.0:8081/ws"},
//	        },
//	    },
//	}
//
//	rawConfig, _ := json.Marshal(config)
//	output, err := websocket.CreateOutput(rawConfig, deps)
//
// # Configuration
//
//   - Ports: Input subjects to broadcast and the server endpoint URL
//   - DeliveryMode: "at-most-once" (default) or "at-least-once"
//   - AckTimeout: How long to wait for a client ack in at-least-once mode
//
// # Message Protocol
//
// Every broadcast is wrapped in a MessageEnvelope with type discrimination:
//
//	{"type": "data", "id": "msg-...", "timestamp": 1712345678901, "payload": {...}}
//
// Clients may reply with control messages:
//
//   - "ack": Message received and processed
//   - "nack": Processing failed
//   - "slow": Backpressure signal
//
// In at-least-once mode the server tracks pending messages per client and
// records ack timeouts and nacks in metrics.
//
// # Message Flow
//
//	NATS Subject → Message Handler → Envelope → Fan-Out to All Clients
//
// Sends to each client run concurrently with a per-connection write mutex,
// since gorilla/websocket forbids concurrent writes on one connection. A slow
// or dead client is disconnected after its write timeout and does not affect
// the other clients.
//
// # TLS
//
// When the platform security configuration enables server TLS, the endpoint
// serves wss:// using either manual certificates or ACME-managed certificates
// with automatic renewal.
//
// # Error Handling
//
// The component uses the errors package for consistent classification:
//
//   - Invalid config: errors.WrapInvalid (bad port, empty path or subjects)
//   - TLS setup: errors.WrapFatal (certificate loading failures)
//   - Client errors: Logged and counted, never stop the server
//
// # Thread Safety
//
// The component is fully thread-safe:
//
//   - Client map protected by sync.RWMutex
//   - Per-client write mutex for connection writes
//   - sync.Once guards client cleanup
//   - Atomic operations for counters
package websocket
