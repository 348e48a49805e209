// Package message defines the wire envelope and the payload types
// exchanged between GeoFuse components over NATS: per-sensor detection
// batches on the way in, merged object events on the way out.
package message

// Message is the unit of data flow between components. Messages carry
// a typed payload plus lifecycle metadata and contain no routing or
// storage logic.
type Message interface {
	// ID returns the unique identifier of this message instance.
	ID() string

	// Type returns structured type information used for routing.
	Type() Type

	// Payload returns the typed payload.
	Payload() Payload

	// Meta returns metadata about the message lifecycle and origin.
	Meta() Meta

	// Hash returns a content-based hash for deduplication.
	Hash() string

	// Validate checks type validity, payload presence, and the
	// payload's own validation rules.
	Validate() error
}
