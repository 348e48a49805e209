package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/metric"
)

// Event is one consolidated output record for a confirmed identity
// matched in the current frame.
type Event struct {
	IdentityID          string   `json:"identity_id"`
	Position            Position `json:"position"`
	Confidence          float64  `json:"confidence"`
	Class               string   `json:"object_class"`
	ContributingSources []string `json:"contributing_sources"`

	// FrameTime is the window start of the frame that produced the
	// event, in Unix milliseconds. Events are total-ordered by it.
	FrameTime int64 `json:"frame_time"`
}

// EmitFunc receives each output event. Called from the processing
// goroutine; blocking here backpressures frame processing, not
// ingestion.
type EmitFunc func(Event) error

// Pipeline owns the full fusion sequence: per-source buffering, time
// alignment, spatial clustering, identity tracking, and merge
// resolution. Ingestion via Offer is concurrent; everything downstream
// of the aligner runs on one goroutine so identity state is never
// shared-mutated.
type Pipeline struct {
	cfg      Config
	aligner  *Aligner
	matcher  *Matcher
	tracker  *Tracker
	resolver *Resolver

	emit    EmitFunc
	logger  *slog.Logger
	metrics *Metrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	shutdown    chan struct{}
	done        chan struct{}

	received  atomic.Int64
	malformed atomic.Int64
	frames    atomic.Int64
	emitted   atomic.Int64

	// lastTracker holds the latest tracker snapshot, taken on the
	// processing goroutine after each frame. Stats readers get this
	// copy; they never touch the live identity map.
	statsMu     sync.Mutex
	lastTracker TrackerStats

	// fatalErr is set when an internal invariant is violated; the
	// pipeline halts rather than emit possibly corrupted identities.
	fatalErr atomic.Value
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics registers pipeline metrics under the given prefix.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) PipelineOption {
	return func(p *Pipeline) { p.metrics = newMetrics(registry, prefix) }
}

// NewPipeline creates a pipeline. The emit function receives every
// output event and must not be nil.
func NewPipeline(cfg Config, emit EmitFunc, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Pipeline", "NewPipeline", "validate config")
	}
	if emit == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "NewPipeline", "emit function required")
	}

	p := &Pipeline{
		cfg:      cfg,
		matcher:  NewMatcher(cfg),
		tracker:  NewTracker(cfg),
		resolver: NewResolver(),
		emit:     emit,
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	alignerOpts := []AlignerOption{WithAlignerLogger(p.logger)}
	if p.metrics != nil {
		alignerOpts = append(alignerOpts,
			WithLateCallback(func(Detection) { p.metrics.detectionsLate.Inc() }),
			WithOverflowCallback(func(Detection) { p.metrics.detectionsOverflow.Inc() }),
			WithCloseCallback(func(reason string) { p.metrics.framesClosed.WithLabelValues(reason).Inc() }),
		)
	}
	p.aligner = NewAligner(cfg.WindowSize, cfg.MaxWait, cfg.QueueCapacity, alignerOpts...)

	return p, nil
}

// Offer validates and buffers one detection. Malformed detections are
// counted and dropped; they never reach the frame pipeline. Safe to
// call from any goroutine.
func (p *Pipeline) Offer(d Detection) error {
	p.received.Add(1)
	if p.metrics != nil {
		p.metrics.detectionsReceived.Inc()
	}

	if err := d.Validate(); err != nil {
		p.malformed.Add(1)
		if p.metrics != nil {
			p.metrics.detectionsMalformed.Inc()
		}
		return errors.WrapInvalid(err, "Pipeline", "Offer", "validate detection")
	}

	p.aligner.Offer(d)
	return nil
}

// Start launches the processing goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pipeline", "Start", "start pipeline")
	}
	p.started = true

	go p.run(ctx)
	return nil
}

// Stop shuts down the processing goroutine, flushing the in-flight
// frame best-effort. Identity state stays consistent; a partially
// buffered frame produces either complete output or none.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.shutdown)
	p.lifecycleMu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Pipeline", "Stop", "wait for processing goroutine")
	}
}

// Err returns the fatal error that halted the pipeline, if any.
func (p *Pipeline) Err() error {
	if err, ok := p.fatalErr.Load().(error); ok {
		return err
	}
	return nil
}

// run is the single processing goroutine. It polls the aligner on a
// fraction of the window so frame closes are observed promptly without
// busy-waiting.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	interval := p.cfg.WindowSize / 4
	if p.cfg.MaxWait/4 < interval {
		interval = p.cfg.MaxWait / 4
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			p.flush()
			return
		case <-ticker.C:
			for {
				frame, ok := p.aligner.NextFrame(time.Now())
				if !ok {
					break
				}
				if err := p.processFrame(frame); err != nil {
					p.halt(err)
					return
				}
			}
		}
	}
}

// flush drains the open frame once on shutdown.
func (p *Pipeline) flush() {
	frame, ok := p.aligner.Flush(time.Now())
	if !ok {
		return
	}
	if err := p.processFrame(frame); err != nil {
		p.halt(err)
	}
}

// halt records a fatal error and stops all further processing. Silent
// identity corruption is worse than downtime.
func (p *Pipeline) halt(err error) {
	p.fatalErr.Store(err)
	p.logger.Error("pipeline halted on invariant violation", "error", err)
}

// processFrame runs one closed frame through matching, tracking, and
// resolution, then emits events for confirmed identities.
func (p *Pipeline) processFrame(frame Frame) error {
	start := time.Now()
	p.frames.Add(1)

	clusters := p.matcher.Cluster(frame)
	if err := checkPartition(frame, clusters); err != nil {
		return err
	}

	assocs := p.tracker.Update(frame, clusters)
	if err := checkAssignment(assocs); err != nil {
		return err
	}

	events := make([]Event, 0, len(assocs))
	for _, as := range assocs {
		merged := p.resolver.Resolve(as.Cluster)
		as.Identity.LastPosition = merged.Position

		if as.Identity.State != StateConfirmed {
			continue
		}
		events = append(events, Event{
			IdentityID:          as.Identity.ID,
			Position:            merged.Position,
			Confidence:          merged.Confidence,
			Class:               merged.Class,
			ContributingSources: merged.Sources,
			FrameTime:           frame.FrameTime,
		})
	}

	// Order within a frame is unspecified by the egress contract; sort
	// by identity so replays are reproducible.
	sort.Slice(events, func(i, j int) bool {
		return events[i].IdentityID < events[j].IdentityID
	})
	for _, ev := range events {
		if err := p.emit(ev); err != nil {
			// Sink errors degrade delivery, not identity state.
			p.logger.Warn("emit failed", "identity_id", ev.IdentityID, "error", err)
			continue
		}
		p.emitted.Add(1)
		if p.metrics != nil {
			p.metrics.eventsEmitted.Inc()
		}
	}

	stats := p.tracker.Stats()
	p.statsMu.Lock()
	prev := p.lastTracker
	p.lastTracker = stats
	p.statsMu.Unlock()

	if p.metrics != nil {
		p.metrics.clustersFormed.Add(float64(len(clusters)))
		p.metrics.identitiesLive.Set(float64(stats.Live))
		p.metrics.identitiesCreated.Add(float64(stats.Created - prev.Created))
		p.metrics.identitiesConfirmed.Add(float64(stats.Promoted - prev.Promoted))
		p.metrics.identitiesPurged.Add(float64(stats.Purged - prev.Purged))
		p.metrics.frameDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// checkPartition verifies every detection landed in exactly one
// cluster.
func checkPartition(frame Frame, clusters []Cluster) error {
	total := 0
	for _, c := range clusters {
		total += len(c.Members)
	}
	if total != len(frame.Detections) {
		return errors.WrapFatal(
			fmt.Errorf("%w: frame has %d detections but clusters hold %d members",
				errors.ErrInvariantViolated, len(frame.Detections), total),
			"Pipeline", "processFrame", "verify cluster partition")
	}
	for _, c := range clusters {
		seen := make(map[string]struct{}, len(c.Members))
		for _, m := range c.Members {
			if _, ok := seen[m.SourceID]; ok {
				return errors.WrapFatal(
					fmt.Errorf("%w: cluster holds two detections from source %s",
						errors.ErrInvariantViolated, m.SourceID),
					"Pipeline", "processFrame", "verify source exclusivity")
			}
			seen[m.SourceID] = struct{}{}
		}
	}
	return nil
}

// checkAssignment verifies no identity was matched by two clusters in
// one frame.
func checkAssignment(assocs []Association) error {
	seen := make(map[string]struct{}, len(assocs))
	for _, as := range assocs {
		if _, ok := seen[as.Identity.ID]; ok {
			return errors.WrapFatal(
				fmt.Errorf("%w: identity %s assigned to two clusters",
					errors.ErrInvariantViolated, as.Identity.ID),
				"Pipeline", "processFrame", "verify identity assignment")
		}
		seen[as.Identity.ID] = struct{}{}
	}
	return nil
}

// PipelineStats is a snapshot of pipeline counters for health
// reporting.
type PipelineStats struct {
	Received  int64        `json:"received"`
	Malformed int64        `json:"malformed"`
	Frames    int64        `json:"frames"`
	Emitted   int64        `json:"emitted"`
	Aligner   AlignerStats `json:"aligner"`
	Tracker   TrackerStats `json:"tracker"`
}

// Stats returns a snapshot of the pipeline's counters. Safe to call
// from any goroutine; the tracker portion is the copy taken on the
// processing goroutine after the most recent frame.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	tracker := p.lastTracker
	p.statsMu.Unlock()

	return PipelineStats{
		Received:  p.received.Load(),
		Malformed: p.malformed.Load(),
		Frames:    p.frames.Load(),
		Emitted:   p.emitted.Load(),
		Aligner:   p.aligner.Stats(),
		Tracker:   tracker,
	}
}
