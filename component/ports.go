// Package component provides port configuration and management for component connections.
package component

// PortDefinition is the JSON form of a port in component config.
// Components ship defaults (the UDP input publishes to
// raw.detections.{name}, outputs subscribe to fused.objects) and
// operators override the editable fields per deployment.
type PortDefinition struct {
	Name        string `json:"name"                  schema:"readonly,type:string,description:Port identifier"`
	Type        string `json:"type,omitempty"        schema:"readonly,type:string,description:Port type (nats jetstream network etc)"`
	Subject     string `json:"subject,omitempty"     schema:"editable,type:string,description:NATS subject pattern or network address"`
	Interface   string `json:"interface,omitempty"   schema:"readonly,type:string,description:Interface contract type"`
	Required    bool   `json:"required,omitempty"    schema:"readonly,type:bool,description:Whether port connection is required"`
	Description string `json:"description,omitempty" schema:"readonly,type:string,description:Human-readable port description"`
	StreamName  string `json:"stream_name,omitempty" schema:"editable,type:string,description:JetStream stream name"`
}

// PortConfig is the ports block of a component config.
type PortConfig struct {
	Inputs  []PortDefinition `json:"inputs,omitempty"`
	Outputs []PortDefinition `json:"outputs,omitempty"`
}

// MergePortConfigs overlays configured port definitions onto a
// component's defaults. Overrides match defaults by port name;
// definitions that match nothing are added as extra ports, which is
// how a websocket output picks up a second subscription.
func MergePortConfigs(defaults []Port, overrides []PortDefinition, direction Direction) []Port {
	result := make([]Port, 0)
	overrideMap := make(map[string]PortDefinition)

	for _, override := range overrides {
		overrideMap[override.Name] = override
	}

	for _, defaultPort := range defaults {
		if override, found := overrideMap[defaultPort.Name]; found {
			result = append(result, BuildPortFromDefinition(override, direction))
			delete(overrideMap, defaultPort.Name)
		} else {
			result = append(result, defaultPort)
		}
	}

	// Ports configured beyond the defaults
	for _, override := range overrideMap {
		result = append(result, BuildPortFromDefinition(override, direction))
	}

	return result
}

// BuildPortFromDefinition creates a Port from its JSON definition.
// Unrecognized types fall back to plain NATS pub/sub, the transport
// every pipeline stage speaks.
func BuildPortFromDefinition(def PortDefinition, direction Direction) Port {
	port := Port{
		Name:        def.Name,
		Direction:   direction,
		Required:    def.Required,
		Description: def.Description,
	}

	switch def.Type {
	case "jetstream":
		port.Config = JetStreamPort{
			StreamName: def.StreamName,
			Subjects:   []string{def.Subject},
		}
	default:
		var iface *InterfaceContract
		if def.Interface != "" {
			iface = &InterfaceContract{
				Type:    def.Interface,
				Version: "v1",
			}
		}
		port.Config = NATSPort{
			Subject:   def.Subject,
			Interface: iface,
		}
	}

	return port
}
