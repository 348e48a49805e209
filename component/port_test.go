package component

import (
	"encoding/json"
	"testing"
)

func TestPortConfigTypes(t *testing.T) {
	tests := []struct {
		name        string
		port        Portable
		resourceID  string
		isExclusive bool
		portType    string
	}{
		{
			name:        "UDP listen port",
			port:        NetworkPort{Protocol: "udp", Host: "0.0.0.0", Port: 5005},
			resourceID:  "udp:0.0.0.0:5005",
			isExclusive: true,
			portType:    "network",
		},
		{
			name:        "websocket listen port",
			port:        NetworkPort{Protocol: "tcp", Host: "0.0.0.0", Port: 8081},
			resourceID:  "tcp:0.0.0.0:8081",
			isExclusive: true,
			portType:    "network",
		},
		{
			name:        "raw detections subject",
			port:        NATSPort{Subject: "raw.detections.cam-north"},
			resourceID:  "nats:raw.detections.cam-north",
			isExclusive: false,
			portType:    "nats",
		},
		{
			name:        "fused objects with queue group",
			port:        NATSPort{Subject: "fused.objects", Queue: "writers"},
			resourceID:  "nats:fused.objects",
			isExclusive: false,
			portType:    "nats",
		},
		{
			name:        "output file",
			port:        FilePort{Path: "/var/log/geofuse/fused.jsonl", Pattern: "fused.*"},
			resourceID:  "file:/var/log/geofuse/fused.jsonl",
			isExclusive: false,
			portType:    "file",
		},
		{
			name: "durable fused stream",
			port: JetStreamPort{
				StreamName:    "FUSED_OBJECTS",
				Subjects:      []string{"fused.objects.>"},
				Storage:       "file",
				RetentionDays: 7,
			},
			resourceID:  "jetstream:FUSED_OBJECTS",
			isExclusive: false,
			portType:    "jetstream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.port.ResourceID(); got != tt.resourceID {
				t.Errorf("ResourceID = %s, want %s", got, tt.resourceID)
			}
			if got := tt.port.IsExclusive(); got != tt.isExclusive {
				t.Errorf("IsExclusive = %t, want %t", got, tt.isExclusive)
			}
			if got := tt.port.Type(); got != tt.portType {
				t.Errorf("Type = %s, want %s", got, tt.portType)
			}
		})
	}
}

// The Port codec wraps the Portable config with a type tag so discovery
// output can be parsed back into the right concrete type.
func TestPortJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		port Port
	}{
		{
			name: "network config",
			port: Port{
				Name:        "udp_listen",
				Direction:   DirectionInput,
				Required:    true,
				Description: "Sensor batch ingest",
				Config:      NetworkPort{Protocol: "udp", Host: "0.0.0.0", Port: 5005},
			},
		},
		{
			name: "nats config",
			port: Port{
				Name:      "detections_out",
				Direction: DirectionOutput,
				Required:  true,
				Config:    NATSPort{Subject: "raw.detections.cam-north"},
			},
		},
		{
			name: "file config",
			port: Port{
				Name:      "file_output",
				Direction: DirectionOutput,
				Config:    FilePort{Path: "/var/log/geofuse/fused.jsonl", Pattern: "fused.*"},
			},
		},
		{
			name: "jetstream config",
			port: Port{
				Name:      "fused_stream",
				Direction: DirectionOutput,
				Config: JetStreamPort{
					StreamName: "FUSED_OBJECTS",
					Subjects:   []string{"fused.objects.>"},
					Storage:    "file",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.port)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var restored Port
			if err := json.Unmarshal(data, &restored); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			if restored.Name != tt.port.Name || restored.Direction != tt.port.Direction {
				t.Errorf("port fields lost: got %+v, want %+v", restored, tt.port)
			}
			if restored.Config == nil {
				t.Fatal("config lost in round trip")
			}
			if restored.Config.Type() != tt.port.Config.Type() {
				t.Errorf("config type = %s, want %s", restored.Config.Type(), tt.port.Config.Type())
			}
			if restored.Config.ResourceID() != tt.port.Config.ResourceID() {
				t.Errorf("resource ID = %s, want %s",
					restored.Config.ResourceID(), tt.port.Config.ResourceID())
			}
		})
	}
}

func TestPortUnmarshalUnknownConfigType(t *testing.T) {
	raw := []byte(`{
		"name": "bad",
		"direction": "input",
		"config": {"type": "carrier-pigeon", "data": {}}
	}`)

	var port Port
	if err := json.Unmarshal(raw, &port); err == nil {
		t.Error("expected error for unknown config type")
	}
}

func TestResourceIDUniqueness(t *testing.T) {
	// Protocol, host, and port each contribute to the resource identity
	networkPorts := []NetworkPort{
		{Protocol: "udp", Host: "0.0.0.0", Port: 5005},
		{Protocol: "tcp", Host: "0.0.0.0", Port: 5005},
		{Protocol: "udp", Host: "127.0.0.1", Port: 5005},
		{Protocol: "udp", Host: "0.0.0.0", Port: 5006},
	}

	seen := make(map[string]bool)
	for _, port := range networkPorts {
		id := port.ResourceID()
		if seen[id] {
			t.Errorf("duplicate ResourceID: %s", id)
		}
		seen[id] = true
	}

	// Queue group does not change the subject's identity
	withQueue := NATSPort{Subject: "fused.objects", Queue: "writers"}
	withoutQueue := NATSPort{Subject: "fused.objects"}
	if withQueue.ResourceID() != withoutQueue.ResourceID() {
		t.Error("queue group should not alter the NATS resource ID")
	}
}
