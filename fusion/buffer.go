package fusion

import (
	"sort"
	"sync"
	"sync/atomic"
)

// SourceBuffer is the bounded per-source queue between a stream's
// ingestion goroutine and the processing pipeline. Push never blocks:
// when the buffer is full the oldest entry is dropped and counted.
//
// Safe for one or more producers and one consumer.
type SourceBuffer struct {
	sourceID string
	capacity int

	mu    sync.Mutex
	items []Detection

	// maxSeen is the largest timestamp ever pushed, surviving drains.
	// The aligner uses it to decide whether this source has reported
	// past the current frame boundary.
	maxSeen int64

	pushed  atomic.Int64
	dropped atomic.Int64

	onDrop func(Detection)
}

// SourceBufferOption configures a SourceBuffer.
type SourceBufferOption func(*SourceBuffer)

// WithDropCallback invokes fn for every detection dropped on overflow.
// Called under the buffer lock; keep it cheap.
func WithDropCallback(fn func(Detection)) SourceBufferOption {
	return func(b *SourceBuffer) { b.onDrop = fn }
}

// NewSourceBuffer creates a buffer for one source with the given
// capacity.
func NewSourceBuffer(sourceID string, capacity int, opts ...SourceBufferOption) *SourceBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	b := &SourceBuffer{
		sourceID: sourceID,
		capacity: capacity,
		items:    make([]Detection, 0, capacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SourceID returns the stream this buffer belongs to.
func (b *SourceBuffer) SourceID() string { return b.sourceID }

// Push adds a detection, dropping the oldest buffered entry if the
// buffer is full. Returns true if an entry was dropped.
func (b *SourceBuffer) Push(d Detection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushed.Add(1)
	if d.Timestamp > b.maxSeen {
		b.maxSeen = d.Timestamp
	}

	var droppedEntry bool
	if len(b.items) >= b.capacity {
		victim := b.items[0]
		b.items = b.items[1:]
		b.dropped.Add(1)
		droppedEntry = true
		if b.onDrop != nil {
			b.onDrop(victim)
		}
	}
	b.items = append(b.items, d)
	return droppedEntry
}

// DrainUntil removes and returns all buffered detections with timestamp
// <= ts, ordered by timestamp. Later entries stay buffered for future
// frames.
func (b *SourceBuffer) DrainUntil(ts int64) []Detection {
	b.mu.Lock()
	defer b.mu.Unlock()

	var take []Detection
	keep := b.items[:0]
	for _, d := range b.items {
		if d.Timestamp <= ts {
			take = append(take, d)
		} else {
			keep = append(keep, d)
		}
	}
	b.items = keep

	sort.SliceStable(take, func(i, j int) bool {
		return take[i].Timestamp < take[j].Timestamp
	})
	return take
}

// MaxTimestamp returns the largest timestamp this source has ever
// delivered, or 0 if it has delivered nothing.
func (b *SourceBuffer) MaxTimestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeen
}

// MinPending returns the smallest buffered timestamp and whether the
// buffer holds anything.
func (b *SourceBuffer) MinPending() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return 0, false
	}
	min := b.items[0].Timestamp
	for _, d := range b.items[1:] {
		if d.Timestamp < min {
			min = d.Timestamp
		}
	}
	return min, true
}

// Len returns the number of buffered detections.
func (b *SourceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// SourceBufferStats is a point-in-time snapshot of buffer counters.
type SourceBufferStats struct {
	SourceID string `json:"source_id"`
	Buffered int    `json:"buffered"`
	Pushed   int64  `json:"pushed"`
	Dropped  int64  `json:"dropped"`
}

// Stats returns a snapshot of the buffer's counters.
func (b *SourceBuffer) Stats() SourceBufferStats {
	return SourceBufferStats{
		SourceID: b.sourceID,
		Buffered: b.Len(),
		Pushed:   b.pushed.Load(),
		Dropped:  b.dropped.Load(),
	}
}
