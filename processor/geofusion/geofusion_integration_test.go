package geofusion_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/fusion"
	"github.com/c360/geofuse/message"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/pkg/timestamp"
	geofusion "github.com/c360/geofuse/processor/geofusion"
)

// Package-level shared test client to avoid Docker resource exhaustion
var (
	sharedTestClient *natsclient.TestClient
	sharedNATSClient *natsclient.Client
)

// TestMain sets up a single shared NATS container for all geo fusion processor tests
func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		testClient, err := natsclient.NewSharedTestClient(
			natsclient.WithJetStream(),
			natsclient.WithTestTimeout(5*time.Second),
			natsclient.WithStartTimeout(30*time.Second),
		)
		if err != nil {
			panic("Failed to create shared test client: " + err.Error())
		}

		sharedTestClient = testClient
		sharedNATSClient = testClient.Client
	}

	exitCode := m.Run()

	if sharedTestClient != nil {
		sharedTestClient.Terminate()
	}

	os.Exit(exitCode)
}

// getSharedNATSClient returns the shared NATS client for integration tests
func getSharedNATSClient(t *testing.T) *natsclient.Client {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	if sharedNATSClient == nil {
		t.Fatal("Shared NATS client not initialized - TestMain should have created it")
	}
	return sharedNATSClient
}

func publishBatch(
	t *testing.T, ctx context.Context, nc *natsclient.Client,
	subjectPrefix, source string, ts int64, northOffsetDeg, confidence float64,
) {
	t.Helper()

	payload := &message.DetectionSetPayload{
		SourceID: source,
		Detections: []fusion.Detection{
			{
				SourceID:   source,
				Timestamp:  ts,
				Position:   fusion.Position{Lat: 52.52 + northOffsetDeg, Lon: 13.405},
				Class:      "vehicle",
				Confidence: confidence,
			},
		},
	}
	env := message.NewEnvelope(message.DetectionSetType, payload, "test",
		message.WithTime(timestamp.ToTime(ts)))

	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(ctx, subjectPrefix+"."+source, data))
}

// TestIntegration_FusesOverlappingDetections runs the full path: two
// sensors observing the same object produce one confirmed merged event
// stream on the output subject.
func TestIntegration_FusesOverlappingDetections(t *testing.T) {
	natsClient := getSharedNATSClient(t)

	config := geofusion.Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:      "input",
					Type:      "nats",
					Subject:   "test.geofusion.raw.>",
					Interface: "geo.detections.v1",
					Required:  true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:      "output",
					Type:      "nats",
					Subject:   "test.geofusion.fused",
					Interface: "geo.merged.v1",
					Required:  true,
				},
			},
		},
		WindowSizeMs:          100,
		MaxWaitMs:             300,
		DistanceThresholdM:    5,
		AssociationThresholdM: 10,
		MissThreshold:         3,
		QueueCapacity:         100,
	}

	rawConfig, err := json.Marshal(config)
	require.NoError(t, err)

	deps := component.Dependencies{
		NATSClient: natsClient,
	}

	fusionComp, err := geofusion.NewProcessor(rawConfig, deps)
	require.NoError(t, err)

	fusionProc, ok := fusionComp.(component.LifecycleComponent)
	require.True(t, ok)
	require.NoError(t, fusionProc.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, fusionProc.Start(ctx))
	defer fusionProc.Stop(5 * time.Second)

	time.Sleep(100 * time.Millisecond)

	var receiveMu sync.Mutex
	received := make([]*message.MergedObjectPayload, 0)

	err = natsClient.Subscribe(ctx, "test.geofusion.fused", func(_ context.Context, data []byte) {
		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if payload, ok := env.Payload().(*message.MergedObjectPayload); ok {
			receiveMu.Lock()
			received = append(received, payload)
			receiveMu.Unlock()
		}
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// Two sensors see the same object about 2m apart, over several
	// alignment windows. Confirmation needs two consecutive frames.
	base := timestamp.Now()
	const twoMetersDeg = 2.0 / 111194.93

	for i := int64(0); i < 4; i++ {
		ts := base + i*100
		publishBatch(t, ctx, natsClient, "test.geofusion.raw", "cam-a", ts, 0, 0.9)
		publishBatch(t, ctx, natsClient, "test.geofusion.raw", "cam-b", ts, twoMetersDeg, 0.7)
	}

	// Frames close either when later data arrives or on the max wait
	// timeout for the final window.
	require.Eventually(t, func() bool {
		receiveMu.Lock()
		defer receiveMu.Unlock()
		return len(received) >= 1
	}, 5*time.Second, 50*time.Millisecond, "expected at least one merged event")

	receiveMu.Lock()
	defer receiveMu.Unlock()

	first := received[0]
	assert.Equal(t, "vehicle", first.Class)
	assert.Equal(t, []string{"cam-a", "cam-b"}, first.ContributingSources,
		"both sensors should contribute to the merged object")
	assert.InDelta(t, 0.9, first.Confidence, 1e-9, "confidence is the max across sources")
	assert.NotEmpty(t, first.IdentityID)

	// All events for the run describe the same identity.
	for _, ev := range received[1:] {
		assert.Equal(t, first.IdentityID, ev.IdentityID)
	}

	// Events are ordered by frame time.
	for i := 1; i < len(received); i++ {
		assert.GreaterOrEqual(t, received[i].FrameTime, received[i-1].FrameTime)
	}

	health := fusionComp.Health()
	assert.True(t, health.Healthy)
	assert.Empty(t, health.LastError)
}

// TestIntegration_DistantObjectsStaySeparate verifies that two objects
// far apart never merge into one identity.
func TestIntegration_DistantObjectsStaySeparate(t *testing.T) {
	natsClient := getSharedNATSClient(t)

	config := geofusion.Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:      "input",
					Type:      "nats",
					Subject:   "test.geofusion.separate.raw.>",
					Interface: "geo.detections.v1",
					Required:  true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:      "output",
					Type:      "nats",
					Subject:   "test.geofusion.separate.fused",
					Interface: "geo.merged.v1",
					Required:  true,
				},
			},
		},
		WindowSizeMs:          100,
		MaxWaitMs:             300,
		DistanceThresholdM:    5,
		AssociationThresholdM: 10,
		MissThreshold:         3,
		QueueCapacity:         100,
	}

	rawConfig, err := json.Marshal(config)
	require.NoError(t, err)

	fusionComp, err := geofusion.NewProcessor(rawConfig, component.Dependencies{NATSClient: natsClient})
	require.NoError(t, err)

	fusionProc, ok := fusionComp.(component.LifecycleComponent)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, fusionProc.Start(ctx))
	defer fusionProc.Stop(5 * time.Second)

	time.Sleep(100 * time.Millisecond)

	var receiveMu sync.Mutex
	identities := make(map[string]bool)

	err = natsClient.Subscribe(ctx, "test.geofusion.separate.fused", func(_ context.Context, data []byte) {
		var env message.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if payload, ok := env.Payload().(*message.MergedObjectPayload); ok {
			receiveMu.Lock()
			identities[payload.IdentityID] = true
			receiveMu.Unlock()
		}
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	// Two sensors, two objects roughly 100m apart.
	base := timestamp.Now()
	const hundredMetersDeg = 100.0 / 111194.93

	for i := int64(0); i < 4; i++ {
		ts := base + i*100
		publishBatch(t, ctx, natsClient, "test.geofusion.separate.raw", "cam-a", ts, 0, 0.8)
		publishBatch(t, ctx, natsClient, "test.geofusion.separate.raw", "cam-b", ts, hundredMetersDeg, 0.8)
	}

	require.Eventually(t, func() bool {
		receiveMu.Lock()
		defer receiveMu.Unlock()
		return len(identities) >= 2
	}, 5*time.Second, 50*time.Millisecond, "expected two distinct identities")
}

// TestIntegration_DurableStreamOutput verifies that a configured
// jetstream output port lands every merged event on the stream, so
// consumers that were offline during the run can replay them.
func TestIntegration_DurableStreamOutput(t *testing.T) {
	natsClient := getSharedNATSClient(t)

	config := geofusion.Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:      "input",
					Type:      "nats",
					Subject:   "test.geofusion.durable.raw.>",
					Interface: "geo.detections.v1",
					Required:  true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:      "output",
					Type:      "nats",
					Subject:   "test.geofusion.durable.fused",
					Interface: "geo.merged.v1",
					Required:  true,
				},
				{
					Name:       "stream_output",
					Type:       "jetstream",
					StreamName: "GEOFUSE_TEST_FUSED",
					Subject:    "test.geofusion.durable.stream",
				},
			},
		},
		WindowSizeMs:          100,
		MaxWaitMs:             300,
		DistanceThresholdM:    5,
		AssociationThresholdM: 10,
		MissThreshold:         3,
		QueueCapacity:         100,
	}

	rawConfig, err := json.Marshal(config)
	require.NoError(t, err)

	fusionComp, err := geofusion.NewProcessor(rawConfig, component.Dependencies{NATSClient: natsClient})
	require.NoError(t, err)

	fusionProc, ok := fusionComp.(component.LifecycleComponent)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, fusionProc.Start(ctx))
	defer fusionProc.Stop(5 * time.Second)

	time.Sleep(100 * time.Millisecond)

	base := timestamp.Now()
	const twoMetersDeg = 2.0 / 111194.93

	for i := int64(0); i < 4; i++ {
		ts := base + i*100
		publishBatch(t, ctx, natsClient, "test.geofusion.durable.raw", "cam-a", ts, 0, 0.9)
		publishBatch(t, ctx, natsClient, "test.geofusion.durable.raw", "cam-b", ts, twoMetersDeg, 0.7)
	}

	// Attach the stream consumer only after publishing: durable
	// delivery must not depend on a live subscriber, the consumer
	// replays what the stream already holds.
	var receiveMu sync.Mutex
	received := make([]*message.MergedObjectPayload, 0)

	err = natsClient.ConsumeStream(ctx, "GEOFUSE_TEST_FUSED", "test.geofusion.durable.stream",
		func(data []byte) {
			var env message.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return
			}
			if payload, ok := env.Payload().(*message.MergedObjectPayload); ok {
				receiveMu.Lock()
				received = append(received, payload)
				receiveMu.Unlock()
			}
		})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		receiveMu.Lock()
		defer receiveMu.Unlock()
		return len(received) >= 1
	}, 10*time.Second, 100*time.Millisecond, "expected a merged event replayed from the stream")

	receiveMu.Lock()
	defer receiveMu.Unlock()
	require.NotEmpty(t, received)
	assert.Equal(t, []string{"cam-a", "cam-b"}, received[0].ContributingSources)
	assert.Equal(t, "vehicle", received[0].Class)
}
