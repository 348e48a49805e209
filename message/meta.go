package message

import "time"

// Meta provides metadata about a message's lifecycle and origin. An
// interface rather than a struct so domains can extend metadata and
// tests can mock it.
type Meta interface {
	// CreatedAt returns when the original observation occurred. For
	// detection batches this is the sensor capture time.
	CreatedAt() time.Time

	// ReceivedAt returns when the message entered the system, for
	// ingestion latency tracking. May equal CreatedAt for real-time
	// streams.
	ReceivedAt() time.Time

	// Source returns the identifier of the message originator, e.g.
	// "udp-input" or a sensor id.
	Source() string
}
