// Package engine builds and runs the configured component pipeline.
//
// # Overview
//
// The engine is the runtime core of a geofuse process. It takes the
// component section of the application configuration, creates each enabled
// component through the component registry, and manages the lifecycle of the
// resulting pipeline as a single unit.
//
// # Start Ordering
//
// Components start downstream-first so consumers are subscribed before
// producers publish:
//
//	outputs -> processors -> inputs
//
// Within a rank, components start in instance-name order so startup is
// deterministic. Shutdown runs in reverse: inputs stop first, cutting off
// new data while processors and outputs drain.
//
// # Usage
//
//	registry := component.NewRegistry()
//	if err := componentregistry.Register(registry); err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := engine.New(registry, deps)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := eng.Build(cfg.Components); err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(10 * time.Second)
//
// # Failure Handling
//
// Build fails atomically: if any enabled component cannot be created, the
// instances created so far are unregistered and the error is returned. Start
// unwinds the same way, stopping already-running components in reverse order
// before reporting the failure. Stop collects per-component errors instead of
// aborting, so one misbehaving component cannot block the rest of the
// shutdown.
//
// # Health
//
// Health returns the per-component health map for the health endpoint;
// Healthy aggregates it into a single boolean for liveness checks.
package engine
