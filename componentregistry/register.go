// Package componentregistry provides component registration for the geofuse
// pipeline. All built-in inputs, processors, and outputs are registered here.
package componentregistry

import (
	"errors"

	"github.com/c360/geofuse/component"
	pkgerrors "github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/input/udp"
	"github.com/c360/geofuse/output/file"
	"github.com/c360/geofuse/output/websocket"
	"github.com/c360/geofuse/processor/geofusion"
)

// Register registers all built-in geofuse components with the provided registry:
//
//   - UDP input (sensor detection batch ingest)
//   - GeoFusion processor (detection stream fusion)
//   - File output (fused object persistence)
//   - WebSocket output (fused object broadcasting)
func Register(registry *component.Registry) error {
	// CRITICAL: Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	// Inputs
	if err := udp.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "UDP input component registration")
	}

	// Processors
	if err := geofusion.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "GeoFusion processor component registration")
	}

	// Outputs
	if err := file.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "File output component registration")
	}

	if err := websocket.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "WebSocket output component registration")
	}

	return nil
}
