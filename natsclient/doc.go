// Package natsclient wraps the NATS Go client for the fusion engine's
// message bus. Every component shares one Client: the UDP input
// publishes raw detection batches on raw.detections.{source_id}, the
// geofusion processor subscribes to them and publishes merged events on
// fused.objects, and the output components subscribe downstream.
//
// The wrapper adds a circuit breaker around connect and JetStream
// operations. After a threshold of consecutive failures (default 5)
// the circuit opens and operations fail fast with ErrCircuitOpen until
// an exponentially growing backoff elapses. Successful operations close
// the circuit and reset the backoff.
//
// Typical setup:
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("geofuse-west-1"),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "raw.detections.cam-north", payload)
//
// JetStream is initialized during Connect. CreateStream, PublishToStream,
// and ConsumeStream cover the durable fused-object stream; streams and
// consumers created through the client are tracked and polled for
// Prometheus metrics when WithMetrics is set.
//
// TestClient (test_client.go) starts a disposable NATS server in a
// container via testcontainers-go so integration tests run against a
// real broker.
package natsclient
