package message

import "encoding/json"

// Payload is the data carried by a message. Implementations provide
// schema information, validation, and deterministic JSON serialization
// (the same payload always produces the same bytes).
//
// Implementations should use the alias trick in their MarshalJSON and
// UnmarshalJSON to avoid infinite recursion:
//
//	func (p *DetectionSetPayload) MarshalJSON() ([]byte, error) {
//	    type Alias DetectionSetPayload
//	    return json.Marshal((*Alias)(p))
//	}
type Payload interface {
	// Schema returns the Type describing this payload's structure.
	Schema() Type

	// Validate checks required fields, value ranges, and domain rules.
	Validate() error

	json.Marshaler
	json.Unmarshaler
}
