package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360/geofuse/engine"
	"github.com/c360/geofuse/health"
)

// healthServer exposes pipeline health over HTTP.
//
//	GET /healthz  - aggregated component health (200 healthy, 503 otherwise)
//	GET /readyz   - readiness: 200 once the engine is running
type healthServer struct {
	engine  *engine.Engine
	monitor *health.Monitor
	server  *http.Server
	logger  *slog.Logger
}

func newHealthServer(port int, eng *engine.Engine, logger *slog.Logger) *healthServer {
	hs := &healthServer{
		engine:  eng,
		monitor: health.NewMonitor(),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hs.handleHealth)
	mux.HandleFunc("/readyz", hs.handleReady)

	hs.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return hs
}

// start runs the health server in the background.
func (hs *healthServer) start() {
	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.logger.Error("Health server failed", "error", err)
		}
	}()
	hs.logger.Info("Health server listening", "addr", hs.server.Addr)
}

// stop shuts the health server down gracefully.
func (hs *healthServer) stop(ctx context.Context) {
	if err := hs.server.Shutdown(ctx); err != nil {
		hs.logger.Warn("Health server shutdown", "error", err)
	}
}

func (hs *healthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	// Refresh the monitor from live component health
	for name, status := range hs.engine.Health() {
		hs.monitor.Update(name, health.FromComponentHealth(name, status))
	}

	aggregate := hs.monitor.AggregateHealth(appName)

	w.Header().Set("Content-Type", "application/json")
	if !aggregate.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(aggregate); err != nil {
		hs.logger.Warn("Failed to encode health response", "error", err)
	}
}

func (hs *healthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if hs.engine.Running() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
