// Package component defines the Discoverable interface and related types
package component

import (
	"time"
)

// Discoverable is the introspection surface every pipeline component
// exposes: the engine uses it to build the flow graph from port
// declarations, validate configs against schemas, and report health.
//
// geofuse has three component kinds:
//   - inputs: UDP sensor ingest publishing raw detection batches
//   - processors: the geofusion engine merging detections into tracks
//   - outputs: file and websocket sinks for fused objects
type Discoverable interface {
	// Meta returns basic component information
	Meta() Metadata

	// InputPorts returns the ports this component accepts data on
	InputPorts() []Port

	// OutputPorts returns the ports this component produces data on
	OutputPorts() []Port

	// ConfigSchema returns the configuration schema for this component
	ConfigSchema() ConfigSchema

	// Health returns current health status
	Health() HealthStatus

	// DataFlow returns current data flow metrics
	DataFlow() FlowMetrics
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "input", "processor", "output"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// ConfigSchema describes a component's configuration parameters.
// Schemas are generated from struct tags (see GenerateConfigSchema)
// and enforced by the registry before a config reaches the factory.
type ConfigSchema struct {
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// PropertySchema describes a single configuration property
type PropertySchema struct {
	Type        string                   `json:"type"` // "string", "int", "bool", "float", "enum", "array", "object", "ports"
	Description string                   `json:"description"`
	Default     any                      `json:"default,omitempty"`
	Enum        []string                 `json:"enum,omitempty"`
	Minimum     *int                     `json:"minimum,omitempty"`
	Maximum     *int                     `json:"maximum,omitempty"`
	Category    string                   `json:"category,omitempty"`   // "basic" or "advanced"
	PortFields  map[string]PortFieldInfo `json:"portFields,omitempty"` // set when type is "ports"
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics describes the current data flow through a component
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}
