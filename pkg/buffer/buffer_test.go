package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/geofuse/metric"
)

func TestCircularBuffer_WriteRead(t *testing.T) {
	buf, err := NewCircularBuffer[[]byte](4)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write([]byte("datagram-1")))
	require.NoError(t, buf.Write([]byte("datagram-2")))
	assert.Equal(t, 2, buf.Size())
	assert.False(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("datagram-1"), item)

	item, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("datagram-2"), item)

	_, ok = buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestCircularBuffer_ReadBatchOrdering(t *testing.T) {
	buf, err := NewCircularBuffer[string](8)
	require.NoError(t, err)
	defer buf.Close()

	payloads := []string{"cam-north", "cam-south", "radar-east", "radar-west"}
	for _, p := range payloads {
		require.NoError(t, buf.Write(p))
	}

	batch := buf.ReadBatch(3)
	assert.Equal(t, []string{"cam-north", "cam-south", "radar-east"}, batch)
	assert.Equal(t, 1, buf.Size())

	// Asking for more than remains returns what is there.
	batch = buf.ReadBatch(10)
	assert.Equal(t, []string{"radar-west"}, batch)

	assert.Nil(t, buf.ReadBatch(5))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestCircularBuffer_DropOldestEvicts(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer[string](2,
		WithOverflowPolicy[string](DropOldest),
		WithDropCallback[string](func(item string) {
			dropped = append(dropped, item)
		}),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("stale-frame"))
	require.NoError(t, buf.Write("older-frame"))
	require.NoError(t, buf.Write("fresh-frame"))

	assert.Equal(t, []string{"stale-frame"}, dropped)
	assert.Equal(t, []string{"older-frame", "fresh-frame"}, buf.ReadBatch(2))

	stats := buf.Stats()
	assert.Equal(t, int64(3), stats.Writes())
	assert.Equal(t, int64(1), stats.Overflows())
	assert.Equal(t, int64(1), stats.Drops())
}

func TestCircularBuffer_DropNewestDiscardsIncoming(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer[string](2,
		WithOverflowPolicy[string](DropNewest),
		WithDropCallback[string](func(item string) {
			dropped = append(dropped, item)
		}),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("rejected"))

	assert.Equal(t, []string{"rejected"}, dropped)
	assert.Equal(t, []string{"first", "second"}, buf.ReadBatch(2))
	assert.Equal(t, int64(1), buf.Stats().Drops())
}

func TestCircularBuffer_WriteAfterClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	assert.Error(t, err)

	// Buffered items stay readable after close.
	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestCircularBuffer_ZeroCapacityCoerced(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	defer buf.Close()

	assert.Equal(t, 1, buf.Capacity())
	require.NoError(t, buf.Write(7))
	assert.True(t, buf.IsFull())
}

func TestCircularBuffer_WrapAround(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.ReadBatch(2)
	require.NoError(t, buf.Write(3))
	require.NoError(t, buf.Write(4))

	assert.Equal(t, []int{2, 3, 4}, buf.ReadBatch(3))
}

func TestCircularBuffer_ConcurrentWritersAndReader(t *testing.T) {
	buf, err := NewCircularBuffer[int](1024)
	require.NoError(t, err)
	defer buf.Close()

	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(i)
			}
		}()
	}
	wg.Wait()

	total := 0
	for batch := buf.ReadBatch(64); batch != nil; batch = buf.ReadBatch(64) {
		total += len(batch)
	}
	assert.Equal(t, writers*perWriter, total)
	assert.Equal(t, int64(writers*perWriter), buf.Stats().Writes())
}

func TestCircularBuffer_StatsSummary(t *testing.T) {
	buf, err := NewCircularBuffer[string](2)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	require.NoError(t, buf.Write("c")) // evicts "a"
	buf.Read()

	summary := buf.Stats().Summary()
	assert.Equal(t, int64(3), summary.Writes)
	assert.Equal(t, int64(1), summary.Reads)
	assert.Equal(t, int64(1), summary.Overflows)
	assert.Equal(t, int64(1), summary.Drops)
	assert.Equal(t, int64(1), summary.CurrentSize)
	assert.Equal(t, int64(2), summary.MaxSize)
	assert.InDelta(t, 1.0/3.0, summary.DropRate, 1e-9)
}

func TestCircularBuffer_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	buf, err := NewCircularBuffer[[]byte](4,
		WithMetrics[[]byte](registry, "udp_input"),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write([]byte("detection")))
	buf.Read()

	// Registering a second buffer under the same prefix collides.
	_, err = NewCircularBuffer[[]byte](4,
		WithMetrics[[]byte](registry, "udp_input"),
	)
	assert.Error(t, err)
}

func TestOverflowPolicyString(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(99).String())
}
