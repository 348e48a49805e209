// Package main implements the entry point for the geofuse application.
// GeoFuse consumes per-sensor geo detection batches, fuses them into
// consolidated object tracks, and streams the merged events to configured
// outputs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/componentregistry"
	"github.com/c360/geofuse/config"
	"github.com/c360/geofuse/engine"
	"github.com/c360/geofuse/metric"
	"github.com/c360/geofuse/natsclient"
	"github.com/c360/geofuse/types"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "geofuse"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Setup core infrastructure
	ctx := context.Background()
	natsClient, metricsRegistry, platform, err := createCoreDependencies(cfg)
	if err != nil {
		return fmt.Errorf("create dependencies: %w", err)
	}
	defer natsClient.Close(ctx)

	if err := connectToNATS(ctx, natsClient); err != nil {
		return err
	}

	// Register component factories and build the pipeline engine
	eng, err := setupEngine(cfg, component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
		Platform:        platform,
		Security:        cfg.Security,
	})
	if err != nil {
		return err
	}

	// Optional metrics endpoint
	startMetricsServer(cliCfg, metricsRegistry, cfg)

	// Optional health endpoint
	var healthSrv *healthServer
	if cliCfg.HealthPort > 0 {
		healthSrv = newHealthServer(cliCfg.HealthPort, eng, logger)
		healthSrv.start()
	}

	// Run pipeline with signal handling
	err = runWithSignalHandling(ctx, eng, cliCfg.ShutdownTimeout)

	if healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthSrv.stop(shutdownCtx)
		cancel()
	}

	return err
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting GeoFuse (geo detection stream fusion)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// connectToNATS establishes NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, natsClient *natsclient.Client) error {
	slog.Info("Connecting to NATS")
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	return nil
}

// setupEngine registers component factories and builds the pipeline
func setupEngine(cfg *config.Config, deps component.Dependencies) (*engine.Engine, error) {
	componentRegistry := component.NewRegistry()
	slog.Debug("Registering component factories (UDP, geofusion, file, websocket)")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return nil, fmt.Errorf("register components: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	eng, err := engine.New(componentRegistry, deps)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if err := eng.Build(cfg.Components); err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	slog.Info("Pipeline built", "components", eng.ComponentNames())
	return eng, nil
}

// startMetricsServer starts the Prometheus endpoint if enabled
func startMetricsServer(cliCfg *CLIConfig, registry *metric.MetricsRegistry, cfg *config.Config) {
	if cliCfg.MetricsPort <= 0 {
		slog.Debug("Metrics server disabled")
		return
	}

	metricsServer := metric.NewServer(cliCfg.MetricsPort, "/metrics", registry, cfg.Security)
	go func() {
		// Start blocks until Stop or failure
		if err := metricsServer.Start(); err != nil {
			slog.Warn("Metrics server stopped", "error", err)
		}
	}()
	slog.Info("Metrics server listening", "address", metricsServer.Address())
}

// runWithSignalHandling starts the pipeline and handles shutdown signals
func runWithSignalHandling(ctx context.Context, eng *engine.Engine, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	slog.Info("GeoFuse started successfully (fusion pipeline ready)")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := eng.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("GeoFuse shutdown complete")
	return nil
}

// createCoreDependencies creates the core dependencies for the pipeline
func createCoreDependencies(
	cfg *config.Config,
) (*natsclient.Client, *metric.MetricsRegistry, types.PlatformMeta, error) {
	// Create NATS client
	natsURL := "nats://localhost:4222"

	// Environment variable override takes precedence
	if envURL := os.Getenv("GEOFUSE_NATS_URLS"); envURL != "" {
		natsURL = envURL
	} else if len(cfg.NATS.URLs) > 0 {
		natsURL = cfg.NATS.URLs[0]
	}

	// Create metrics registry first so the NATS client can export
	// JetStream metrics through it
	metricsRegistry := metric.NewMetricsRegistry()

	// Extract platform identity (prefer instance_id for federation)
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	natsOpts := []natsclient.ClientOption{
		natsclient.WithName("geofuse-" + platformID),
		natsclient.WithMetrics(metricsRegistry),
	}
	if cfg.NATS.MaxReconnects != 0 {
		natsOpts = append(natsOpts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait > 0 {
		natsOpts = append(natsOpts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" && cfg.NATS.Password != "" {
		natsOpts = append(natsOpts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		natsOpts = append(natsOpts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		natsOpts = append(natsOpts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	natsClient, err := natsclient.NewClient(natsURL, natsOpts...)
	if err != nil {
		return nil, nil, types.PlatformMeta{}, fmt.Errorf("create NATS client: %w", err)
	}

	platform := types.PlatformMeta{
		Org:      cfg.Platform.Org, // From config, required field
		Platform: platformID,       // InstanceID or ID
	}

	slog.Info("Platform identity configured",
		"org", platform.Org,
		"platform", platform.Platform,
		"environment", cfg.Platform.Environment)

	return natsClient, metricsRegistry, platform, nil
}

// printHelp prints help information
func printHelp() {
	printDetailedHelp()
}

// loadConfig loads configuration from the specified file path
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
