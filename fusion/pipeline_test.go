package fusion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/geofuse/errors"
)

// eventCollector is a thread-safe emit sink for tests.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) emit(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *eventCollector) {
	t.Helper()
	sink := &eventCollector{}
	p, err := NewPipeline(cfg, sink.emit)
	require.NoError(t, err)
	return p, sink
}

func TestNewPipeline_Validation(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		_, err := NewPipeline(Config{}, func(Event) error { return nil })
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("nil emit", func(t *testing.T) {
		_, err := NewPipeline(matcherConfig(), nil)
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})
}

func TestPipeline_EndToEndTwoSources(t *testing.T) {
	p, sink := newTestPipeline(t, matcherConfig())

	// Sources A and B see the same object 2m apart with a 5m threshold.
	frame1 := Frame{FrameTime: 1000, Detections: []Detection{
		detAt("cam-a", "vehicle", 0, 0.9),
		detAt("cam-b", "vehicle", 2, 0.7),
	}}
	require.NoError(t, p.processFrame(frame1))
	assert.Empty(t, sink.all(), "tentative identity must not be published")

	frame2 := Frame{FrameTime: 1100, Detections: []Detection{
		detAt("cam-a", "vehicle", 0, 0.9),
		detAt("cam-b", "vehicle", 2, 0.7),
	}}
	require.NoError(t, p.processFrame(frame2))

	events := sink.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.NotEmpty(t, ev.IdentityID)
	assert.Equal(t, []string{"cam-a", "cam-b"}, ev.ContributingSources)
	assert.Equal(t, "vehicle", ev.Class)
	assert.Equal(t, 0.9, ev.Confidence)
	assert.Equal(t, int64(1100), ev.FrameTime)

	// Weighted centroid sits between the members, closer to the
	// more confident one at 0m.
	northM := (ev.Position.Lat - matcherBase.Lat) * 111194.93
	assert.InDelta(t, 2*0.7/1.6, northM, 0.01)
}

func TestPipeline_MixedClassClusterWithPinnedTieBreak(t *testing.T) {
	p, sink := newTestPipeline(t, matcherConfig())

	// Vehicle and person at the same coordinates cluster spatially;
	// the class vote is a full tie and resolves lexicographically.
	mixed := []Detection{
		detAt("cam-a", "vehicle", 0, 0.8),
		detAt("cam-b", "person", 0, 0.8),
	}
	require.NoError(t, p.processFrame(Frame{FrameTime: 1000, Detections: mixed}))
	require.NoError(t, p.processFrame(Frame{FrameTime: 1100, Detections: mixed}))

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "person", events[0].Class)
	assert.Equal(t, []string{"cam-a", "cam-b"}, events[0].ContributingSources)
}

func TestPipeline_SilentIdentityNotReEmitted(t *testing.T) {
	p, sink := newTestPipeline(t, matcherConfig())

	dets := []Detection{detAt("cam-a", "vehicle", 0, 0.9)}
	require.NoError(t, p.processFrame(Frame{FrameTime: 1000, Detections: dets}))
	require.NoError(t, p.processFrame(Frame{FrameTime: 1100, Detections: dets}))
	require.Len(t, sink.all(), 1)

	// An empty frame: identity still live, but silence produces no
	// duplicate output.
	require.NoError(t, p.processFrame(Frame{FrameTime: 1200}))
	assert.Len(t, sink.all(), 1)
}

func TestPipeline_EmissionOrderedByFrameTime(t *testing.T) {
	p, sink := newTestPipeline(t, matcherConfig())

	for i := 0; i < 6; i++ {
		frame := Frame{
			FrameTime: int64(1000 + i*100),
			Detections: []Detection{
				detAt("cam-a", "vehicle", 0, 0.9),
				detAt("cam-b", "person", 500, 0.9),
			},
		}
		require.NoError(t, p.processFrame(frame))
	}

	events := sink.all()
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].FrameTime, events[i-1].FrameTime)
	}
}

func TestPipeline_OfferRejectsMalformed(t *testing.T) {
	p, _ := newTestPipeline(t, matcherConfig())

	tests := []struct {
		name string
		det  Detection
	}{
		{"missing source", Detection{Timestamp: 1000, Position: Position{Lat: 1, Lon: 1}, Class: "x", Confidence: 0.5}},
		{"zero timestamp", Detection{SourceID: "a", Position: Position{Lat: 1, Lon: 1}, Class: "x", Confidence: 0.5}},
		{"bad latitude", Detection{SourceID: "a", Timestamp: 1000, Position: Position{Lat: 99, Lon: 1}, Class: "x", Confidence: 0.5}},
		{"confidence above one", Detection{SourceID: "a", Timestamp: 1000, Position: Position{Lat: 1, Lon: 1}, Class: "x", Confidence: 1.5}},
		{"missing class", Detection{SourceID: "a", Timestamp: 1000, Position: Position{Lat: 1, Lon: 1}, Confidence: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Offer(tt.det)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	stats := p.Stats()
	assert.Equal(t, int64(len(tests)), stats.Received)
	assert.Equal(t, int64(len(tests)), stats.Malformed)
	assert.Equal(t, 0, stats.Aligner.Buffered, "malformed detections never reach the buffers")
}

func TestPipeline_InvariantChecks(t *testing.T) {
	t.Run("partition mismatch is fatal", func(t *testing.T) {
		frame := Frame{Detections: []Detection{detAt("cam-a", "vehicle", 0, 0.9)}}
		err := checkPartition(frame, nil)
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("same-source cluster is fatal", func(t *testing.T) {
		frame := Frame{Detections: []Detection{
			detAt("cam-a", "vehicle", 0, 0.9),
			detAt("cam-a", "vehicle", 1, 0.9),
		}}
		clusters := []Cluster{{Members: frame.Detections}}
		err := checkPartition(frame, clusters)
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("double identity assignment is fatal", func(t *testing.T) {
		id := &Identity{ID: "dup"}
		err := checkAssignment([]Association{{Identity: id}, {Identity: id}})
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("valid partition passes", func(t *testing.T) {
		frame := Frame{Detections: []Detection{
			detAt("cam-a", "vehicle", 0, 0.9),
			detAt("cam-b", "vehicle", 1, 0.9),
		}}
		clusters := []Cluster{{Members: frame.Detections}}
		assert.NoError(t, checkPartition(frame, clusters))
	})
}

func TestPipeline_StatsSafeDuringProcessing(t *testing.T) {
	p, _ := newTestPipeline(t, matcherConfig())

	// Stats readers must never touch the tracker's live identity map
	// while frames mutate it. Hammer both sides; the race detector
	// flags any shared access.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = p.Stats()
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		frame := Frame{FrameTime: int64(1000 + i*100), Detections: []Detection{
			detAt("cam-a", "vehicle", float64(i%7), 0.9),
		}}
		require.NoError(t, p.processFrame(frame))
	}
	close(done)
	wg.Wait()

	assert.Equal(t, 1, p.Stats().Tracker.Live)
}

func TestPipeline_HaltRecordsFatalError(t *testing.T) {
	p, _ := newTestPipeline(t, matcherConfig())

	assert.NoError(t, p.Err())
	p.halt(errors.WrapFatal(errors.ErrInvariantViolated, "Pipeline", "test", "simulate"))
	require.Error(t, p.Err())
	assert.True(t, errors.IsFatal(p.Err()))
}

func TestPipeline_StartStopFlushes(t *testing.T) {
	cfg := matcherConfig()
	p, sink := newTestPipeline(t, cfg)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "double start must fail")

	now := time.Now().UnixMilli()
	d1 := detAt("cam-a", "vehicle", 0, 0.9)
	d1.Timestamp = now
	require.NoError(t, p.Offer(d1))

	require.NoError(t, p.Stop(2*time.Second))
	assert.NoError(t, p.Stop(time.Second), "stop is idempotent")

	// Single tentative frame flushed on shutdown: no output, but the
	// frame was processed and identity state stayed consistent.
	assert.Empty(t, sink.all())
	assert.GreaterOrEqual(t, p.Stats().Frames, int64(1))
	assert.Equal(t, 1, p.Stats().Tracker.Live)
}
