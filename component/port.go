package component

import (
	"encoding/json"
	"fmt"

	"github.com/c360/geofuse/errors"
)

// Direction for data flow
type Direction string

// Direction constants for port data flow
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Port is one declared I/O surface of a component: the UDP bind of a
// sensor input, the subject a processor subscribes to, the file an
// output writes. The flowgraph wires components together from these
// declarations and the registry uses them for conflict detection.
type Port struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Required    bool      `json:"required"`
	Description string    `json:"description"`
	Config      Portable  `json:"config"`
}

// Portable is the behavior shared by all port config types.
type Portable interface {
	ResourceID() string // unique identifier for conflict detection
	IsExclusive() bool  // whether two components may share the resource
	Type() string       // "network", "nats", "file", "jetstream"
}

// InterfaceContract names the message shape flowing through a port,
// e.g. geo.detections.v1 on the raw side and geo.merged.v1 after
// fusion. The flowgraph records it on edges so mismatched producers
// and consumers are visible.
type InterfaceContract struct {
	Type       string   `json:"type"`
	Version    string   `json:"version,omitempty"`
	Compatible []string `json:"compatible,omitempty"`
}

// MarshalJSON wraps the Portable config with its type tag so the
// concrete port type survives a round trip through JSON.
func (p Port) MarshalJSON() ([]byte, error) {
	type PortAlias Port // prevent recursion into this method

	wrapper := struct {
		PortAlias
		Config json.RawMessage `json:"config"`
	}{
		PortAlias: (PortAlias)(p),
	}

	if p.Config != nil {
		configWithType := struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}{
			Type: p.Config.Type(),
			Data: p.Config,
		}

		configBytes, err := json.Marshal(configWithType)
		if err != nil {
			return nil, errors.Wrap(err, "Port", "MarshalJSON", "config marshaling")
		}
		wrapper.Config = configBytes
	}

	return json.Marshal(wrapper)
}

// UnmarshalJSON reconstructs the concrete Portable type from the type
// tag written by MarshalJSON.
func (p *Port) UnmarshalJSON(data []byte) error {
	type PortAlias Port

	temp := struct {
		*PortAlias
		Config json.RawMessage `json:"config"`
	}{
		PortAlias: (*PortAlias)(p),
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	if len(temp.Config) == 0 {
		return nil
	}

	var configWrapper struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(temp.Config, &configWrapper); err != nil {
		return errors.Wrap(err, "Port", "UnmarshalJSON", "config wrapper unmarshaling")
	}

	switch configWrapper.Type {
	case "network":
		var netConfig NetworkPort
		if err := json.Unmarshal(configWrapper.Data, &netConfig); err != nil {
			return errors.Wrap(err, "Port", "UnmarshalJSON", "network config unmarshaling")
		}
		p.Config = netConfig
	case "nats":
		var natsConfig NATSPort
		if err := json.Unmarshal(configWrapper.Data, &natsConfig); err != nil {
			return errors.Wrap(err, "Port", "UnmarshalJSON", "nats config unmarshaling")
		}
		p.Config = natsConfig
	case "file":
		var fileConfig FilePort
		if err := json.Unmarshal(configWrapper.Data, &fileConfig); err != nil {
			return errors.Wrap(err, "Port", "UnmarshalJSON", "file config unmarshaling")
		}
		p.Config = fileConfig
	case "jetstream":
		var jsConfig JetStreamPort
		if err := json.Unmarshal(configWrapper.Data, &jsConfig); err != nil {
			return errors.Wrap(err, "Port", "UnmarshalJSON", "jetstream config unmarshaling")
		}
		p.Config = jsConfig
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown config type: %s", configWrapper.Type),
			"Port",
			"UnmarshalJSON",
			"config type validation",
		)
	}

	return nil
}
