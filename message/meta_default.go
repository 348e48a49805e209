package message

import (
	"time"

	"github.com/c360/geofuse/pkg/timestamp"
)

// DefaultMeta is the standard Meta implementation. For a detection it
// carries the sensor capture time, the time the fusion node took it
// in, and the sensor it came from.
type DefaultMeta struct {
	createdAt  int64 // Unix milliseconds
	receivedAt int64 // Unix milliseconds
	source     string
}

// NewDefaultMeta builds meta for a message arriving now. createdAt is
// the producer's clock, typically the sensor capture timestamp.
func NewDefaultMeta(createdAt time.Time, source string) *DefaultMeta {
	return &DefaultMeta{
		createdAt:  timestamp.ToUnixMs(createdAt),
		receivedAt: timestamp.Now(),
		source:     source,
	}
}

// NewDefaultMetaWithReceivedAt builds meta with an explicit receive
// time, for replaying recorded sensor batches.
func NewDefaultMetaWithReceivedAt(createdAt, receivedAt time.Time, source string) *DefaultMeta {
	return &DefaultMeta{
		createdAt:  timestamp.ToUnixMs(createdAt),
		receivedAt: timestamp.ToUnixMs(receivedAt),
		source:     source,
	}
}

// CreatedAt returns the producer timestamp.
func (m *DefaultMeta) CreatedAt() time.Time {
	return timestamp.ToTime(m.createdAt)
}

// ReceivedAt returns when the fusion node took the message in.
func (m *DefaultMeta) ReceivedAt() time.Time {
	return timestamp.ToTime(m.receivedAt)
}

// Source returns the producing component or sensor identifier.
func (m *DefaultMeta) Source() string {
	return m.source
}
