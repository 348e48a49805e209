package component

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LifecycleFactory builds a fresh component instance for each subtest.
type LifecycleFactory func() LifecycleComponent

// StandardLifecycleTests checks the lifecycle contract every pipeline
// component must honor: the UDP input, the fusion processor, and the
// file and websocket outputs all run this suite against their own
// factories. The engine relies on these guarantees during startup
// ordering and shutdown, so a component that breaks one of them can
// wedge the whole pipeline.
func StandardLifecycleTests(t *testing.T, factory LifecycleFactory) {
	t.Run("Compliance", func(t *testing.T) {
		testLifecycleCompliance(t, factory)
	})
	t.Run("CancelledContext", func(t *testing.T) {
		testCancelledStartContext(t, factory)
	})
	t.Run("Concurrent", func(t *testing.T) {
		testConcurrentStartStop(t, factory)
	})
}

func testLifecycleCompliance(t *testing.T, factory LifecycleFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, comp LifecycleComponent)
	}{
		{"Initialize", testInitialize},
		{"StartStop", testStartStop},
		{"StopWithoutStart", testStopWithoutStart},
		{"DoubleStop", testDoubleStop},
		{"RestartAfterStop", testRestartAfterStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp := factory()
			require.NotNil(t, comp, "factory returned nil component")
			tt.test(t, comp)
		})
	}
}

func testInitialize(t *testing.T, comp LifecycleComponent) {
	assert.NoError(t, comp.Initialize(), "Initialize should succeed on a fresh component")
}

func testStartStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, comp.Start(ctx), "Start should succeed after Initialize")
	assert.NoError(t, comp.Stop(5*time.Second), "Stop should succeed after Start")
}

func testStopWithoutStart(t *testing.T, comp LifecycleComponent) {
	// The engine stops everything it created when a later component
	// fails to start, so Stop must be safe on a component that never ran
	assert.NoError(t, comp.Stop(5*time.Second), "Stop without Start should be a no-op")
}

func testDoubleStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, comp.Start(ctx))

	assert.NoError(t, comp.Stop(5*time.Second), "first Stop should succeed")
	assert.NoError(t, comp.Stop(5*time.Second), "second Stop should be idempotent")
}

func testRestartAfterStop(t *testing.T, comp LifecycleComponent) {
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, comp.Start(ctx))
	require.NoError(t, comp.Stop(5*time.Second))

	// Components may require re-initialization before a second Start
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err := comp.Start(ctx2); err != nil {
		require.NoError(t, comp.Initialize(), "re-initialize after Stop should succeed")
		assert.NoError(t, comp.Start(ctx2), "Start should succeed after re-initialization")
	}

	assert.NoError(t, comp.Stop(5*time.Second))
}

func testCancelledStartContext(t *testing.T, factory LifecycleFactory) {
	comp := factory()
	require.NotNil(t, comp)
	require.NoError(t, comp.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Start with a dead context must not hang; whether it errors is up
	// to the component, but it has to remain stoppable
	_ = comp.Start(ctx)
	assert.NoError(t, comp.Stop(5*time.Second), "component should be stoppable after cancelled Start")
}

func testConcurrentStartStop(t *testing.T, factory LifecycleFactory) {
	comp := factory()
	require.NotNil(t, comp)
	require.NoError(t, comp.Initialize())

	const workers = 20
	var wg sync.WaitGroup
	startErrs := make([]error, workers)
	stopErrs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			startErrs[idx] = comp.Start(ctx)
		}(i)
		go func(idx int) {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			stopErrs[idx] = comp.Stop(5 * time.Second)
		}(i)
	}

	wg.Wait()

	// No panics is the main assertion; beyond that, at least one of
	// each operation must have gone through
	started, stopped := 0, 0
	for i := 0; i < workers; i++ {
		if startErrs[i] == nil {
			started++
		}
		if stopErrs[i] == nil {
			stopped++
		}
	}
	assert.GreaterOrEqual(t, started, 1, "at least one Start should succeed")
	assert.GreaterOrEqual(t, stopped, 1, "at least one Stop should succeed")

	_ = comp.Stop(5 * time.Second)
}

// BenchmarkLifecycleMethods measures lifecycle operation cost. Stop
// latency matters most: the engine gives each component a fixed
// timeout during shutdown, and a slow Stop delays everything behind it.
func BenchmarkLifecycleMethods(b *testing.B, factory LifecycleFactory) {
	b.Run("Initialize", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			comp := factory()
			_ = comp.Initialize()
			_ = comp.Stop(5 * time.Second)
		}
	})

	b.Run("FullLifecycle", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			comp := factory()
			_ = comp.Initialize()
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			_ = comp.Start(ctx)
			cancel()
			_ = comp.Stop(5 * time.Second)
		}
	})
}
