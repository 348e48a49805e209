package component

import (
	"context"
	"time"
)

// LifecycleComponent is implemented by every component the engine
// drives through startup and shutdown:
//
//   - Initialize allocates resources but performs no I/O
//   - Start begins processing; the context is passed in, never stored
//     by the component itself
//   - Stop shuts down gracefully within the timeout
//
// The engine starts outputs before processors and processors before
// inputs, and stops them in reverse, so detection batches never enter
// the pipeline without a downstream ready to take them.
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
