// Package buffer provides the bounded, thread-safe queues that absorb
// bursts between the UDP listener and the pipeline, and between the
// pipeline and slow websocket consumers. Statistics are always
// collected; Prometheus export is opt-in via WithMetrics.
package buffer

// Buffer is a bounded FIFO parameterized by item type.
type Buffer[T any] interface {
	// Write appends an item. When the buffer is full the overflow
	// policy decides which item gives way.
	Write(item T) error

	// Read removes and returns the oldest item, reporting false when
	// the buffer is empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	// Size returns the number of buffered items.
	Size() int

	// Capacity returns the fixed maximum.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer holds nothing.
	IsEmpty() bool

	// Stats exposes the buffer's counters.
	Stats() *Statistics

	// Close rejects further writes.
	Close() error
}

// OverflowPolicy decides what happens to a write when the buffer is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest buffered item. Sensor data ages
	// fast, so this is the default.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item instead.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback observes each item lost to the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer builds a fixed-capacity ring buffer. Configuration
// beyond capacity goes through functional options; the error surfaces
// only when metrics registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
