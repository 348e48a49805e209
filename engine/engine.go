package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/component/flowgraph"
	"github.com/c360/geofuse/config"
	pkgerrors "github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/types"
)

// Engine builds and runs the configured component pipeline.
//
// Components are created from the configuration via the component registry,
// then started downstream-first (outputs before processors before inputs) so
// that consumers are ready before producers begin publishing. Shutdown runs
// in reverse order: inputs stop first so no new data enters the pipeline
// while the rest drains.
type Engine struct {
	registry *component.Registry
	deps     component.Dependencies
	logger   *slog.Logger
	metrics  *engineMetrics

	mu         sync.Mutex
	components []*managedComponent // Sorted in start order
	started    bool
}

// managedComponent pairs a component instance with its configured identity.
type managedComponent struct {
	instanceName  string
	componentType types.ComponentType
	instance      component.Discoverable
	running       bool
}

// startRank returns the start-order rank for a component type.
// Lower ranks start first and stop last.
func startRank(t types.ComponentType) int {
	switch t {
	case types.ComponentTypeOutput:
		return 0
	case types.ComponentTypeProcessor:
		return 1
	case types.ComponentTypeInput:
		return 2
	default:
		return 3
	}
}

// New creates an engine bound to the given registry and shared dependencies.
func New(registry *component.Registry, deps component.Dependencies) (*Engine, error) {
	if registry == nil {
		return nil, pkgerrors.WrapInvalid(
			errors.New("registry cannot be nil"),
			"Engine", "New", "registry validation")
	}
	if deps.NATSClient == nil {
		return nil, pkgerrors.WrapInvalid(
			errors.New("NATS client cannot be nil"),
			"Engine", "New", "dependency validation")
	}

	metrics, err := newEngineMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, pkgerrors.WrapTransient(err, "Engine", "New", "metrics registration")
	}

	return &Engine{
		registry: registry,
		deps:     deps,
		logger:   deps.GetLoggerWithComponent("engine"),
		metrics:  metrics,
	}, nil
}

// Build creates all enabled components from the configuration.
//
// Disabled entries are skipped. Every enabled entry must name a registered
// factory; a single bad entry fails the whole build so misconfiguration is
// caught at startup rather than surfacing as a silently missing pipeline
// stage.
func (e *Engine) Build(configs config.ComponentConfigs) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return pkgerrors.WrapInvalid(pkgerrors.ErrAlreadyStarted, "Engine", "Build", "state check")
	}
	if len(e.components) > 0 {
		return pkgerrors.WrapInvalid(
			errors.New("engine already built"),
			"Engine", "Build", "state check")
	}

	// Deterministic creation order
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	built := make([]*managedComponent, 0, len(configs))
	for _, instanceName := range names {
		cfg := configs[instanceName]
		if !cfg.Enabled {
			e.logger.Debug("Skipping disabled component", "instance", instanceName)
			continue
		}

		instance, err := e.registry.CreateComponent(instanceName, cfg, e.deps)
		if err != nil {
			e.metrics.recordBuild(instanceName, false)
			// Unwind instances registered so far
			for _, mc := range built {
				e.registry.UnregisterInstance(mc.instanceName)
			}
			return pkgerrors.Wrap(err, "Engine", "Build",
				fmt.Sprintf("component %s creation", instanceName))
		}

		e.metrics.recordBuild(instanceName, true)
		built = append(built, &managedComponent{
			instanceName:  instanceName,
			componentType: cfg.Type,
			instance:      instance,
		})

		e.logger.Info("Component built",
			"instance", instanceName,
			"factory", cfg.Name,
			"type", cfg.Type)
	}

	// Sort into start order: outputs, processors, inputs
	sort.SliceStable(built, func(i, j int) bool {
		ri, rj := startRank(built[i].componentType), startRank(built[j].componentType)
		if ri != rj {
			return ri < rj
		}
		return built[i].instanceName < built[j].instanceName
	})

	e.components = built
	e.analyzeConnectivity()
	return nil
}

// analyzeConnectivity checks how the built components wire together and
// logs anything suspicious. A subject typo between a processor output and
// a file output is far easier to spot here than as an empty output file.
// Findings are warnings, not errors: partial pipelines (an output tapping
// an externally produced subject, for instance) are legitimate.
func (e *Engine) analyzeConnectivity() {
	graph := flowgraph.NewFlowGraph()
	for _, mc := range e.components {
		if err := graph.AddComponentNode(mc.instanceName, mc.instance); err != nil {
			e.logger.Warn("Connectivity analysis skipped component",
				"instance", mc.instanceName,
				"error", err)
		}
	}

	if err := graph.ConnectComponentsByPatterns(); err != nil {
		e.logger.Warn("Pipeline connectivity warnings", "detail", err)
	}

	analysis := graph.AnalyzeConnectivity()
	for _, node := range analysis.DisconnectedNodes {
		e.logger.Warn("Component has no connections to the rest of the pipeline",
			"instance", node.ComponentName)
	}
	for _, port := range analysis.OrphanedPorts {
		if !port.Required {
			continue
		}
		e.logger.Warn("Required port has no matching peer",
			"instance", port.ComponentName,
			"port", port.PortName,
			"subject", port.ConnectionID,
			"issue", port.Issue)
	}

	e.logger.Debug("Pipeline connectivity analyzed",
		"status", analysis.ValidationStatus,
		"edges", len(analysis.ConnectedEdges))
}

// Start initializes and starts all built components in start order.
// If any component fails, components already running are stopped in reverse
// order before the error is returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return pkgerrors.WrapInvalid(pkgerrors.ErrAlreadyStarted, "Engine", "Start", "state check")
	}
	if len(e.components) == 0 {
		return pkgerrors.WrapInvalid(
			errors.New("no components built, call Build first"),
			"Engine", "Start", "state check")
	}

	for _, mc := range e.components {
		lifecycle, ok := mc.instance.(component.LifecycleComponent)
		if !ok {
			e.logger.Warn("Component does not implement lifecycle, skipping start",
				"instance", mc.instanceName)
			continue
		}

		startTime := time.Now()

		if err := lifecycle.Initialize(); err != nil {
			e.metrics.recordStart(mc.instanceName, false, time.Since(startTime).Seconds())
			_ = e.stopStartedLocked(defaultUnwindTimeout)
			return pkgerrors.Wrap(err, "Engine", "Start",
				fmt.Sprintf("component %s initialization", mc.instanceName))
		}

		if err := lifecycle.Start(ctx); err != nil {
			e.metrics.recordStart(mc.instanceName, false, time.Since(startTime).Seconds())
			_ = e.stopStartedLocked(defaultUnwindTimeout)
			return pkgerrors.Wrap(err, "Engine", "Start",
				fmt.Sprintf("component %s start", mc.instanceName))
		}

		mc.running = true
		e.metrics.recordStart(mc.instanceName, true, time.Since(startTime).Seconds())
		e.logger.Info("Component started",
			"instance", mc.instanceName,
			"type", mc.componentType,
			"duration_ms", time.Since(startTime).Milliseconds())
	}

	e.started = true
	e.logger.Info("Pipeline started", "components", len(e.components))
	return nil
}

// defaultUnwindTimeout bounds per-component stop time when a failed Start
// unwinds already-running components.
const defaultUnwindTimeout = 5 * time.Second

// Stop stops all running components in reverse start order (inputs first).
// Each component gets the full timeout; stop errors are collected rather
// than aborting the shutdown.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil // Idempotent
	}

	err := e.stopStartedLocked(timeout)
	e.started = false
	if err != nil {
		return pkgerrors.Wrap(err, "Engine", "Stop", "component shutdown")
	}

	e.logger.Info("Pipeline stopped")
	return nil
}

// stopStartedLocked stops running components in reverse order.
// Caller must hold e.mu.
func (e *Engine) stopStartedLocked(timeout time.Duration) error {
	var errs []error

	for i := len(e.components) - 1; i >= 0; i-- {
		mc := e.components[i]
		if !mc.running {
			continue
		}

		lifecycle, ok := mc.instance.(component.LifecycleComponent)
		if !ok {
			mc.running = false
			continue
		}

		stopTime := time.Now()
		if err := lifecycle.Stop(timeout); err != nil {
			e.metrics.recordStop(mc.instanceName, false, time.Since(stopTime).Seconds())
			e.logger.Error("Component stop failed",
				"instance", mc.instanceName,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", mc.instanceName, err))
		} else {
			e.metrics.recordStop(mc.instanceName, true, time.Since(stopTime).Seconds())
			e.logger.Info("Component stopped", "instance", mc.instanceName)
		}

		mc.running = false
	}

	return errors.Join(errs...)
}

// Health returns the health status of every managed component keyed by
// instance name.
func (e *Engine) Health() map[string]component.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	health := make(map[string]component.HealthStatus, len(e.components))
	for _, mc := range e.components {
		health[mc.instanceName] = mc.instance.Health()
	}
	return health
}

// Healthy reports whether every managed component is healthy.
// An engine with no components is considered healthy.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, mc := range e.components {
		if !mc.instance.Health().Healthy {
			return false
		}
	}
	return true
}

// ComponentNames returns the managed instance names in start order.
func (e *Engine) ComponentNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.components))
	for _, mc := range e.components {
		names = append(names, mc.instanceName)
	}
	return names
}

// Running reports whether the engine has been started and not yet stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}
