//go:build integration

package udp

import (
	"testing"
)

// TestUDPSchemaRegistration checks the generated schema exposes the
// ports block as a first-class optional property.
func TestUDPSchemaRegistration(t *testing.T) {
	// The schema is static, so no runtime deps are needed.
	udp := NewInput(InputDeps{Config: DefaultConfig()})

	schema := udp.ConfigSchema()
	if schema.Properties == nil {
		t.Fatal("schema should have properties")
	}

	portsProp, exists := schema.Properties["ports"]
	if !exists {
		t.Fatal("schema should have a ports property")
	}
	if portsProp.Type != "ports" {
		t.Errorf("ports property type = %s, want ports", portsProp.Type)
	}
	if portsProp.Category != "basic" {
		t.Errorf("ports property category = %s, want basic", portsProp.Category)
	}

	// Everything defaults, so nothing is required.
	if len(schema.Required) != 0 {
		t.Errorf("schema should have no required fields, got %v", schema.Required)
	}
}
