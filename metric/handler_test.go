package metric

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/c360/geofuse/pkg/security"
)

func waitForServer(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", url)
}

func TestServer_StopWhileServing(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer(39901, "/metrics", registry, security.Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	waitForServer(t, "http://localhost:39901/health")

	// Stop must not block on the serving goroutine.
	done := make(chan error, 1)
	go func() { done <- server.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked while the server was serving")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned error after close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestServer_RestartAfterStop(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer(39902, "/metrics", registry, security.Config{})

	for i := 0; i < 2; i++ {
		go func() { _ = server.Start() }()
		waitForServer(t, "http://localhost:39902/health")

		resp, err := http.Get("http://localhost:39902/metrics")
		if err != nil {
			t.Fatalf("cycle %d: scrape failed: %v", i, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("cycle %d: scrape status %d", i, resp.StatusCode)
		}

		if err := server.Stop(); err != nil {
			t.Fatalf("cycle %d: stop failed: %v", i, err)
		}
	}
}

func TestServer_NilRegistryRejected(t *testing.T) {
	server := NewServer(39903, "/metrics", nil, security.Config{})
	if err := server.Start(); err == nil {
		t.Fatal("Start with nil registry should fail")
	}
}

func TestServer_Address(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer(9100, "/metrics", registry, security.Config{})
	want := fmt.Sprintf("http://localhost:%d%s", 9100, "/metrics")
	if got := server.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
