// Package geofuse fuses geo detection streams from independent sensors
// into a single deduplicated stream of tracked objects.
//
// # Overview
//
// Sensors (cameras, radars, lidars) observe overlapping regions and emit
// detection batches over UDP. Each batch carries the positions, classes,
// and confidences one sensor saw at one instant. GeoFuse ingests these
// batches, aligns them in time, merges observations of the same physical
// object across sensors, and maintains stable identities for the objects
// it tracks. The result is one consolidated event stream suitable for
// dashboards, recording, and downstream analytics.
//
// # Architecture
//
// GeoFuse is built as a pipeline of components connected by NATS subjects:
//
//	┌─────────────┐
//	│  UDP Input  │  sensor detection batches
//	└──────┬──────┘
//	       │
//	raw.detections.{source_id}
//	       │
//	┌──────┴──────────┐
//	│ GeoFusion       │  time windowing, cross-sensor merging,
//	│ Processor       │  identity tracking
//	└──────┬──────────┘
//	       │
//	 fused.objects
//	       │
//	  ┌────┼────────────┐
//	  ↓    ↓            ↓
//	┌────────┐    ┌───────────┐
//	│  File  │    │ WebSocket │
//	│ Output │    │  Output   │
//	└────────┘    └───────────┘
//	 *.jsonl       live clients
//
// Multiple outputs subscribe to the same fused subject and run
// independently. A failure in one output path does not affect the others.
//
// # Fusion Semantics
//
// The fusion core (package fusion) works in three stages:
//
//  1. Windowing: detections are grouped into fixed-size time windows per
//     frame. A window closes when its max wait expires, producing a frame
//     of temporally aligned detections from all sensors.
//  2. Merging: detections within a frame that are spatially close and
//     class-compatible are merged into one observation, with position
//     averaged by confidence weight.
//  3. Tracking: merged observations are associated with known object
//     identities across frames. Identities survive brief occlusions and
//     are retired after a configurable number of consecutive misses.
//
// # Packages
//
// Pipeline components:
//   - input/udp: UDP socket input for sensor detection batches
//   - processor/geofusion: the fusion processor component
//   - output/file: JSONL/JSON/raw file output
//   - output/websocket: WebSocket broadcasting with ack/nack delivery
//
// Core:
//   - fusion: windowing, merging, and identity tracking
//   - message: envelope and payload types on the wire
//   - engine: component lifecycle orchestration
//   - component: component interfaces, registry, port definitions
//   - componentregistry: registration of all built-in components
//
// Infrastructure:
//   - natsclient: NATS connection management with circuit breaker
//   - config: configuration loading, merging, and validation
//   - metric: Prometheus metrics
//   - health: health check aggregation
//   - errors: structured error classification
//
// Utilities:
//   - pkg/buffer: ring buffer for packet ingestion
//   - pkg/retry: retry policies with backoff
//   - pkg/timestamp: millisecond epoch time utilities
//   - pkg/security, pkg/tlsutil, pkg/acme: TLS configuration
//
// # Usage
//
// Basic pipeline setup:
//
//	// Create NATS client
//	natsClient, _ := natsclient.NewClient("nats://localhost:4222")
//	natsClient.Connect(ctx)
//
//	// Register built-in components
//	registry := component.NewRegistry()
//	componentregistry.Register(registry)
//
//	// Build and run the pipeline from configuration
//	eng, _ := engine.New(registry, component.Dependencies{
//	    NATSClient: natsClient,
//	    Logger:     logger,
//	})
//	eng.Build(cfg.Components)
//	eng.Start(ctx)
//
// Custom component:
//
//	func RegisterTCPInput(registry *component.Registry) error {
//	    return registry.RegisterWithConfig(component.RegistrationConfig{
//	        Name:        "tcp",
//	        Factory:     CreateTCPInput,
//	        Schema:      tcpSchema,
//	        Type:        "input",
//	        Protocol:    "tcp",
//	        Domain:      "network",
//	        Description: "TCP socket input",
//	        Version:     "1.0.0",
//	    })
//	}
//
// # Design Principles
//
// Composition over configuration:
//   - Small, focused components
//   - Connected via NATS subjects
//   - Complex topologies built from simple pieces
//
// Testability:
//   - Explicit dependencies (no globals)
//   - Isolated component testing
//   - Integration tests with testcontainers
//
// Performance:
//   - Bounded buffers with backpressure
//   - Per-source ingestion queues in the fusion core
//   - Deterministic, frame-ordered output
//
// # Binary
//
// Build and run geofuse:
//
//	go build -o bin/geofuse ./cmd/geofuse
//	./bin/geofuse --config configs/example.json
package geofuse
