// Package component provides the component infrastructure for geofuse:
// factory registration, instance creation, port declarations, and
// configuration schemas for the pieces of the fusion pipeline.
//
// # Overview
//
// A geofuse pipeline is assembled from three component types: inputs
// (the UDP sensor ingest), processors (the geofusion engine), and
// outputs (file and websocket sinks). Every component is a
// self-describing unit implementing Discoverable, so the engine can
// inspect its ports, validate its configuration, and monitor its
// health at runtime.
//
// The Registry is the central management point. It holds factories by
// name, creates instances from raw JSON configuration, and tracks the
// exclusive resources (UDP ports, websocket listeners) each instance
// claims so two components cannot bind the same one.
//
// # Registration
//
// geofuse uses explicit registration rather than init()
// self-registration: each component package exports a
// Register(*Registry) error function, and componentregistry.Register
// wires them all up for main.
//
//	// In input/udp/udp.go
//	func Register(registry *component.Registry) error {
//		return registry.RegisterWithConfig(component.RegistrationConfig{
//			Name:        "udp",
//			Factory:     NewInput,
//			Schema:      udpSchema,
//			Type:        "input",
//			Protocol:    "udp",
//			Domain:      "network",
//			Description: "UDP sensor detection batch ingest",
//			Version:     "1.0.0",
//		})
//	}
//
// This keeps registries isolated in tests and the dependency graph
// explicit in one place.
//
// # Creating components
//
//	registry := component.NewRegistry()
//	if err := componentregistry.Register(registry); err != nil {
//		return err
//	}
//
//	cfg := types.ComponentConfig{
//		Type:    types.ComponentTypeInput,
//		Name:    "udp",
//		Enabled: true,
//		Config:  json.RawMessage(`{"port": 5005, "bind_address": "0.0.0.0"}`),
//	}
//
//	deps := component.Dependencies{
//		NATSClient: natsClient,
//		Platform:   component.PlatformMeta{Org: "c360", Platform: "site-north"},
//		Logger:     slog.Default(),
//	}
//
//	instance, err := registry.CreateComponent("udp-north", cfg, deps)
//
// Factories receive the raw JSON and parse it themselves; the registry
// validates names and config size limits before the factory runs, and
// registers the instance (claiming its exclusive resources) after.
//
// # Ports
//
// Components declare their inputs and outputs as typed ports
// implementing Portable:
//
//   - NATSPort: pub/sub on a subject (raw.detections.{source_id},
//     fused.objects)
//   - JetStreamPort: durable streaming for the fused object stream
//   - NetworkPort: TCP/UDP binds (UDP ingest, websocket listener);
//     exclusive resources
//   - FilePort: output files written by the file sink
//
// The flowgraph subpackage builds a connection graph from these
// declarations and validates the pipeline before startup: subjects are
// matched with NATS wildcard semantics, exclusive binds are checked
// for conflicts, and required subscriptions without publishers are
// reported.
//
// # Configuration schemas
//
// Components describe their configuration through ConfigSchema,
// generated from struct tags via GenerateConfigSchema. Schemas drive
// validation before a config is accepted and give discovery clients
// enough structure to render forms. SafeUnmarshal applies defaults and
// strictness on the way in.
//
// # Lifecycle
//
// Components that implement LifecycleComponent (Initialize, Start,
// Stop) are driven by the engine: outputs start before processors,
// processors before inputs, so no detection batch enters the pipeline
// until its downstream is ready. Stop runs in the reverse order with a
// per-component timeout.
package component
