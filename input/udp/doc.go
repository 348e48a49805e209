// Package udp provides the UDP input component that ingests sensor
// detection batches.
//
// # Overview
//
// Sensors send one JSON detection batch per datagram. The listener
// parses and validates each batch, wraps it in a message envelope
// stamped with the newest detection's capture time, and publishes it
// to a per-source NATS subject:
//
//	raw.detections.<source_id>
//
// Malformed datagrams are counted and dropped; they never reach NATS.
//
// # Quick Start
//
// Listen on port 5005 and publish under raw.detections:
//
//	config := udp.InputConfig{
//	    Ports: &component.PortConfig{
//	        Inputs: []component.PortDefinition{
//	            {Name: "udp_socket", Type: "network", Subject: "udp://0.0.0.0:5005", Required: true},
//	        },
//	        Outputs: []component.PortDefinition{
//	            {Name: "nats_output", Type: "nats", Subject: "raw.detections", Required: true},
//	        },
//	    },
//	}
//
//	rawConfig, _ := json.Marshal(config)
//	input, err := udp.CreateInput(rawConfig, deps)
//
// # Configuration
//
// All configuration flows through the ports block:
//
//   - Network input port: listen address in udp://host:port form
//   - NATS output port: subject prefix for per-source publishing
//
// Omitted ports fall back to udp://0.0.0.0:5005 and raw.detections.
//
// # Buffering
//
// Datagrams queue in a circular buffer (capacity 5000, drop-oldest)
// so a burst of sensor traffic cannot block the socket read path.
// Drops are visible in the packets_dropped_total counter.
//
// # Message Flow
//
//	UDP Socket → Packet Buffer → Parse + Validate → Envelope → raw.detections.<source_id>
//
// # Error Handling
//
// Socket binding and NATS publishing retry with exponential backoff.
// Read errors are counted; only non-transient ones stop the receive
// loop. Batches that fail parsing or validation are classified invalid
// and counted in batches_malformed_total.
//
// # Observability
//
// The component implements component.Discoverable: Meta, Health, and
// DataFlow report the listener state, and a Prometheus instrument set
// (packets, bytes, drops, malformed batches, batch sizes, publish
// latency) registers when a metrics registry is supplied.
//
// # Limitations
//
//   - One socket per component instance
//   - No datagram reassembly: a batch must fit in a single datagram
//   - Delivery to NATS is at-most-once from the sensor's perspective
package udp
