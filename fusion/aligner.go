package fusion

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Aligner converts the per-source buffers into a sequence of frames.
// It maintains a rolling frame boundary advancing by the window size.
// A frame closes when every known source has delivered a detection
// beyond the boundary, or when MaxWait wall-clock time has elapsed
// since the boundary opened, whichever comes first. Sources that have
// not delivered by then are absent from the frame; that is not an
// error.
//
// Offer may be called from any goroutine; NextFrame and Flush must be
// called from the single processing goroutine.
type Aligner struct {
	window        time.Duration
	maxWait       time.Duration
	queueCapacity int

	mu       sync.Mutex
	sources  map[string]*SourceBuffer
	frameStart int64 // unix ms window start, 0 until the first detection
	openedAt   time.Time

	lateDropped     atomic.Int64
	overflowDropped atomic.Int64
	framesData      atomic.Int64
	framesTimeout   atomic.Int64

	onLate     func(Detection)
	onOverflow func(Detection)
	onClose    func(reason string)

	logger   *slog.Logger
	lateWarn *rate.Limiter
}

// AlignerOption configures an Aligner.
type AlignerOption func(*Aligner)

// WithAlignerLogger sets the logger used for rate-limited late-data
// warnings.
func WithAlignerLogger(logger *slog.Logger) AlignerOption {
	return func(a *Aligner) { a.logger = logger }
}

// WithLateCallback invokes fn for every late-dropped detection.
func WithLateCallback(fn func(Detection)) AlignerOption {
	return func(a *Aligner) { a.onLate = fn }
}

// WithOverflowCallback invokes fn for every detection dropped on buffer
// overflow.
func WithOverflowCallback(fn func(Detection)) AlignerOption {
	return func(a *Aligner) { a.onOverflow = fn }
}

// WithCloseCallback invokes fn for every closed frame with the close
// reason: "data", "timeout", or "flush".
func WithCloseCallback(fn func(reason string)) AlignerOption {
	return func(a *Aligner) { a.onClose = fn }
}

// NewAligner creates an aligner with the given window, straggler
// timeout, and per-source queue capacity.
func NewAligner(window, maxWait time.Duration, queueCapacity int, opts ...AlignerOption) *Aligner {
	a := &Aligner{
		window:        window,
		maxWait:       maxWait,
		queueCapacity: queueCapacity,
		sources:       make(map[string]*SourceBuffer),
		logger:        slog.Default(),
		lateWarn:      rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Offer buffers a detection for its source, creating the source's
// buffer on first sight. Detections older than the already-closed
// boundary are dropped as late.
func (a *Aligner) Offer(d Detection) {
	a.mu.Lock()
	if a.frameStart != 0 && d.Timestamp < a.frameStart {
		a.mu.Unlock()
		a.dropLate(d)
		return
	}
	// The straggler timeout runs from the moment data first opens a
	// boundary, not from the consumer's first poll.
	if a.frameStart == 0 && a.openedAt.IsZero() {
		a.openedAt = time.Now()
	}
	buf, ok := a.sources[d.SourceID]
	if !ok {
		buf = NewSourceBuffer(d.SourceID, a.queueCapacity, WithDropCallback(func(victim Detection) {
			a.overflowDropped.Add(1)
			if a.onOverflow != nil {
				a.onOverflow(victim)
			}
		}))
		a.sources[d.SourceID] = buf
	}
	a.mu.Unlock()

	buf.Push(d)
}

func (a *Aligner) dropLate(d Detection) {
	a.lateDropped.Add(1)
	if a.onLate != nil {
		a.onLate(d)
	}
	if a.lateWarn.Allow() {
		a.logger.Warn("dropping late detection",
			"source_id", d.SourceID,
			"timestamp", d.Timestamp,
			"frame_start", a.FrameStart(),
			"late_dropped_total", a.lateDropped.Load())
	}
}

// NextFrame closes and returns the current frame if its close condition
// holds at the given wall-clock instant. Returns false while the frame
// must stay open.
func (a *Aligner) NextFrame(now time.Time) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frameStart == 0 && !a.initBoundaryLocked(now) {
		return Frame{}, false
	}

	frameEnd := a.frameStart + a.window.Milliseconds()

	allBeyond := len(a.sources) > 0
	for _, buf := range a.sources {
		if buf.MaxTimestamp() <= frameEnd {
			allBeyond = false
			break
		}
	}

	switch {
	case allBeyond:
		a.framesData.Add(1)
		if a.onClose != nil {
			a.onClose("data")
		}
	case now.Sub(a.openedAt) >= a.maxWait:
		a.framesTimeout.Add(1)
		if a.onClose != nil {
			a.onClose("timeout")
		}
	default:
		return Frame{}, false
	}

	return a.closeLocked(frameEnd, now), true
}

// Flush closes the current frame immediately with whatever is buffered,
// regardless of the close conditions. Used for best-effort draining on
// shutdown.
func (a *Aligner) Flush(now time.Time) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frameStart == 0 && !a.initBoundaryLocked(now) {
		return Frame{}, false
	}
	frameEnd := a.frameStart + a.window.Milliseconds()
	if a.onClose != nil {
		a.onClose("flush")
	}
	return a.closeLocked(frameEnd, now), true
}

// initBoundaryLocked seeds the first frame boundary from the earliest
// buffered detection. Returns false when nothing is buffered yet.
func (a *Aligner) initBoundaryLocked(now time.Time) bool {
	min := int64(0)
	for _, buf := range a.sources {
		if ts, ok := buf.MinPending(); ok && (min == 0 || ts < min) {
			min = ts
		}
	}
	if min == 0 {
		return false
	}
	a.frameStart = min
	if a.openedAt.IsZero() {
		a.openedAt = now
	}
	return true
}

func (a *Aligner) closeLocked(frameEnd int64, now time.Time) Frame {
	frame := Frame{FrameTime: a.frameStart}

	ids := make([]string, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, d := range a.sources[id].DrainUntil(frameEnd) {
			if d.Timestamp < a.frameStart {
				a.dropLateLocked(d)
				continue
			}
			frame.Detections = append(frame.Detections, d)
		}
	}

	sort.SliceStable(frame.Detections, func(i, j int) bool {
		di, dj := frame.Detections[i], frame.Detections[j]
		if di.Timestamp != dj.Timestamp {
			return di.Timestamp < dj.Timestamp
		}
		if di.SourceID != dj.SourceID {
			return di.SourceID < dj.SourceID
		}
		return di.LocalTrackID < dj.LocalTrackID
	})

	a.frameStart = frameEnd
	a.openedAt = now

	// Skip over gaps: if the next window holds no data but later data
	// is already buffered, jump the boundary forward instead of closing
	// a run of empty frames.
	nextEnd := a.frameStart + a.window.Milliseconds()
	min := int64(0)
	for _, buf := range a.sources {
		if ts, ok := buf.MinPending(); ok && (min == 0 || ts < min) {
			min = ts
		}
	}
	if min > nextEnd {
		a.frameStart = min
	}

	return frame
}

// dropLateLocked mirrors dropLate for callers already holding the mutex.
func (a *Aligner) dropLateLocked(d Detection) {
	a.lateDropped.Add(1)
	if a.onLate != nil {
		a.onLate(d)
	}
	if a.lateWarn.Allow() {
		a.logger.Warn("dropping late detection",
			"source_id", d.SourceID,
			"timestamp", d.Timestamp,
			"frame_start", a.frameStart,
			"late_dropped_total", a.lateDropped.Load())
	}
}

// FrameStart returns the current window start, 0 before the first
// detection arrives.
func (a *Aligner) FrameStart() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frameStart
}

// AlignerStats is a snapshot of the aligner's counters and buffer
// occupancy.
type AlignerStats struct {
	Sources             int                 `json:"sources"`
	Buffered            int                 `json:"buffered"`
	LateDropped         int64               `json:"late_dropped"`
	OverflowDropped     int64               `json:"overflow_dropped"`
	FramesClosedData    int64               `json:"frames_closed_data"`
	FramesClosedTimeout int64               `json:"frames_closed_timeout"`
	Buffers             []SourceBufferStats `json:"buffers,omitempty"`
}

// Stats returns a snapshot of aligner counters and per-source buffers.
func (a *Aligner) Stats() AlignerStats {
	a.mu.Lock()
	bufs := make([]*SourceBuffer, 0, len(a.sources))
	for _, b := range a.sources {
		bufs = append(bufs, b)
	}
	a.mu.Unlock()

	stats := AlignerStats{
		Sources:             len(bufs),
		LateDropped:         a.lateDropped.Load(),
		OverflowDropped:     a.overflowDropped.Load(),
		FramesClosedData:    a.framesData.Load(),
		FramesClosedTimeout: a.framesTimeout.Load(),
	}
	for _, b := range bufs {
		s := b.Stats()
		stats.Buffered += s.Buffered
		stats.Buffers = append(stats.Buffers, s)
	}
	sort.Slice(stats.Buffers, func(i, j int) bool {
		return stats.Buffers[i].SourceID < stats.Buffers[j].SourceID
	})
	return stats
}
