package message

import (
	"encoding/json"
	"fmt"

	"github.com/c360/geofuse/fusion"
)

// MergedObjectType identifies one consolidated object event.
var MergedObjectType = Type{Domain: "geo", Category: "merged", Version: "v1"}

// MergedObjectPayload is the egress record for one confirmed identity
// matched in a frame. Published on fused.objects.
type MergedObjectPayload struct {
	// IdentityID is the stable cross-frame identity, never reused.
	IdentityID string `json:"identity_id"`

	Position fusion.Position `json:"position"`

	// Confidence is the maximum confidence among the contributing
	// detections.
	Confidence float64 `json:"confidence"`

	Class string `json:"object_class"`

	ContributingSources []string `json:"contributing_sources"`

	// FrameTime is the window start of the producing frame, Unix
	// milliseconds. Events are total-ordered by it.
	FrameTime int64 `json:"frame_time"`
}

// FromEvent converts a pipeline event into its wire payload.
func FromEvent(ev fusion.Event) *MergedObjectPayload {
	return &MergedObjectPayload{
		IdentityID:          ev.IdentityID,
		Position:            ev.Position,
		Confidence:          ev.Confidence,
		Class:               ev.Class,
		ContributingSources: ev.ContributingSources,
		FrameTime:           ev.FrameTime,
	}
}

// Schema returns geo.merged.v1.
func (p *MergedObjectPayload) Schema() Type {
	return MergedObjectType
}

// Validate checks required fields and value ranges.
func (p *MergedObjectPayload) Validate() error {
	if p.IdentityID == "" {
		return fmt.Errorf("merged object missing identity_id")
	}
	if err := p.Position.Validate(); err != nil {
		return fmt.Errorf("merged object position: %w", err)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("merged object confidence out of range: %f", p.Confidence)
	}
	if p.Class == "" {
		return fmt.Errorf("merged object missing object_class")
	}
	if len(p.ContributingSources) == 0 {
		return fmt.Errorf("merged object has no contributing sources")
	}
	if p.FrameTime <= 0 {
		return fmt.Errorf("merged object has invalid frame_time: %d", p.FrameTime)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *MergedObjectPayload) MarshalJSON() ([]byte, error) {
	type Alias MergedObjectPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *MergedObjectPayload) UnmarshalJSON(data []byte) error {
	type Alias MergedObjectPayload
	return json.Unmarshal(data, (*Alias)(p))
}
