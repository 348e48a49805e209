package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/pkg/timestamp"
)

// Envelope is the standard Message implementation. It combines a typed
// payload with metadata and is immutable after construction.
//
// Construction uses functional options:
//
//	// current timestamp (most common)
//	msg := message.NewEnvelope(msgType, payload, "udp-input")
//
//	// specific timestamp (replays, tests)
//	msg := message.NewEnvelope(msgType, payload, "udp-input", message.WithTime(captureTime))
type Envelope struct {
	id      string
	msgType Type
	payload Payload
	meta    Meta
}

// Option configures Envelope construction.
type Option func(*Envelope)

// WithTime sets a specific creation timestamp instead of time.Now().
func WithTime(createdAt time.Time) Option {
	return func(e *Envelope) {
		if defaultMeta, ok := e.meta.(*DefaultMeta); ok {
			e.meta = NewDefaultMeta(createdAt, defaultMeta.Source())
		}
	}
}

// WithMeta replaces the default metadata entirely.
func WithMeta(meta Meta) Option {
	return func(e *Envelope) {
		e.meta = meta
	}
}

// NewEnvelope creates an envelope carrying the given payload. The
// source identifies the service or component creating the message.
func NewEnvelope(msgType Type, payload Payload, source string, opts ...Option) *Envelope {
	e := &Envelope{
		id:      uuid.New().String(),
		msgType: msgType,
		payload: payload,
		meta:    NewDefaultMeta(time.Now(), source),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the unique message identifier.
func (e *Envelope) ID() string {
	return e.id
}

// Type returns the structured message type.
func (e *Envelope) Type() Type {
	return e.msgType
}

// Payload returns the message payload.
func (e *Envelope) Payload() Payload {
	return e.payload
}

// Meta returns the message metadata.
func (e *Envelope) Meta() Meta {
	return e.meta
}

// Hash returns a SHA256 hash over the message type and payload bytes.
func (e *Envelope) Hash() string {
	h := sha256.New()
	h.Write([]byte(e.msgType.String()))
	if data, err := e.payload.MarshalJSON(); err == nil {
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the message type, payload presence, and the
// payload's own rules.
func (e *Envelope) Validate() error {
	if !e.msgType.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate",
			fmt.Sprintf("invalid message type: %s", e.msgType.String()))
	}
	if e.payload == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "payload cannot be nil")
	}
	if err := e.payload.Validate(); err != nil {
		return errors.WrapInvalid(err, "Envelope", "Validate", "invalid payload")
	}
	if e.meta == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "meta cannot be nil")
	}
	return nil
}

// wireFormat is the JSON shape of an envelope on the bus. Meta
// timestamps are Unix milliseconds.
type wireFormat struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    map[string]any  `json:"meta"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	payloadData, err := e.payload.MarshalJSON()
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "MarshalJSON", "failed to marshal payload")
	}

	wire := wireFormat{
		ID:      e.id,
		Type:    e.msgType,
		Payload: json.RawMessage(payloadData),
		Meta: map[string]any{
			"created_at":  timestamp.ToUnixMs(e.meta.CreatedAt()),
			"received_at": timestamp.ToUnixMs(e.meta.ReceivedAt()),
			"source":      e.meta.Source(),
		},
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler. The payload is decoded
// into the concrete type registered for the envelope's message type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "failed to unmarshal wire format")
	}

	e.id = wire.ID
	e.msgType = wire.Type

	var createdAt, receivedAt time.Time
	if ms := timestamp.Parse(wire.Meta["created_at"]); ms != 0 {
		createdAt = timestamp.ToTime(ms)
	}
	if ms := timestamp.Parse(wire.Meta["received_at"]); ms != 0 {
		receivedAt = timestamp.ToTime(ms)
	}
	source, _ := wire.Meta["source"].(string)
	e.meta = NewDefaultMetaWithReceivedAt(createdAt, receivedAt, source)

	payload := payloadFor(e.msgType)
	if payload == nil {
		return errors.WrapInvalid(
			fmt.Errorf("unknown payload type: %s", e.msgType.String()),
			"Envelope", "UnmarshalJSON", "payload type lookup")
	}
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "failed to unmarshal payload")
	}
	e.payload = payload
	return nil
}

// payloadFor returns an empty concrete payload for the given type, or
// nil when the type is unknown.
func payloadFor(t Type) Payload {
	switch {
	case t.Equal(DetectionSetType):
		return &DetectionSetPayload{}
	case t.Equal(MergedObjectType):
		return &MergedObjectPayload{}
	default:
		return nil
	}
}
