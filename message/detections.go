package message

import (
	"encoding/json"
	"fmt"

	"github.com/c360/geofuse/fusion"
)

// DetectionSetType identifies one sensor's batch of detections.
var DetectionSetType = Type{Domain: "geo", Category: "detections", Version: "v1"}

// DetectionSetPayload carries one sensor's detections for one capture
// instant. Published per source on raw.detections.<source_id>.
type DetectionSetPayload struct {
	// SourceID is the originating stream; every detection in the batch
	// must carry the same source.
	SourceID string `json:"source_id"`

	Detections []fusion.Detection `json:"detections"`
}

// Schema returns geo.detections.v1.
func (p *DetectionSetPayload) Schema() Type {
	return DetectionSetType
}

// Validate checks the batch and every detection in it.
func (p *DetectionSetPayload) Validate() error {
	if p.SourceID == "" {
		return fmt.Errorf("detection set missing source_id")
	}
	for i, d := range p.Detections {
		if d.SourceID != p.SourceID {
			return fmt.Errorf("detection %d: source_id %q does not match batch source %q",
				i, d.SourceID, p.SourceID)
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("detection %d: %w", i, err)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *DetectionSetPayload) MarshalJSON() ([]byte, error) {
	type Alias DetectionSetPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *DetectionSetPayload) UnmarshalJSON(data []byte) error {
	type Alias DetectionSetPayload
	return json.Unmarshal(data, (*Alias)(p))
}
