package message

import "fmt"

// Type provides structured type information for messages: the domain,
// the category within it, and the schema version. It enables type-safe
// routing and decoding throughout the system.
type Type struct {
	// Domain identifies the data domain, e.g. "geo".
	Domain string

	// Category identifies the message type within the domain, e.g.
	// "detections" or "merged".
	Category string

	// Version identifies the schema version: "v1", "v2", ...
	Version string
}

// Key returns the dotted notation "domain.category.version".
func (mt Type) Key() string {
	return fmt.Sprintf("%s.%s.%s", mt.Domain, mt.Category, mt.Version)
}

// String returns the same as Key.
func (mt Type) String() string {
	return mt.Key()
}

// IsValid checks that all three parts are populated.
func (mt Type) IsValid() bool {
	return mt.Domain != "" && mt.Category != "" && mt.Version != ""
}

// Equal compares two types field by field.
func (mt Type) Equal(other Type) bool {
	return mt.Domain == other.Domain &&
		mt.Category == other.Category &&
		mt.Version == other.Version
}
