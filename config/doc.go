// Package config provides configuration management for geofuse applications.
//
// This package handles loading and validation of application configuration
// from JSON files and environment variables.
//
// # Core Components
//
// Config: Main configuration structure containing platform settings, NATS
// connection details, security settings, and component definitions.
//
// SafeConfig: Thread-safe wrapper using RWMutex and deep cloning to prevent
// concurrent access issues and accidental mutations.
//
// Loader: Loads configuration with layer merging (base + overrides) and
// environment variable substitution for flexible deployment scenarios.
//
// # Basic Usage
//
// Loading configuration from files with layer merging:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.json")
//	loader.AddLayer("config/production.json") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Thread-Safe Access
//
// SafeConfig ensures thread-safe access to configuration:
//
//	safeConfig := config.NewSafeConfig(cfg)
//
//	// Read config (deep copy returned, safe to use)
//	cfg := safeConfig.Get()
//
//	// Update config atomically (validated before swap)
//	err := safeConfig.Update(newCfg)
//
// # Environment Variable Overrides
//
// Configuration values can be overridden using environment variables:
//
//	# Override platform ID
//	export GEOFUSE_PLATFORM_ID="prod-cluster-01"
//
//	# Override NATS URLs (comma-separated)
//	export GEOFUSE_NATS_URLS="nats://server1:4222,nats://server2:4222"
//
// # Layer Merging
//
// Configuration layers are merged with last-wins semantics:
//
//	base.json:
//	  {"platform": {"id": "dev", "region": "west"}}
//
//	production.json:
//	  {"platform": {"id": "prod"}}
//
//	Result:
//	  {"platform": {"id": "prod", "region": "west"}}
//
// # Security
//
// The package includes security validation:
//   - File size limits (10MB max) to prevent memory exhaustion
//   - JSON depth validation (100 levels max) to prevent DoS attacks
//   - Path validation to prevent directory traversal
//   - Regular file checks (no symlinks or device files)
//
// # Configuration Structure
//
// The main Config struct contains:
//
//	type Config struct {
//	    Version    string                     // Semantic version
//	    Platform   PlatformConfig             // Platform metadata
//	    Security   security.Config            // TLS settings
//	    NATS       NATSConfig                 // Message bus connection
//	    Components map[string]ComponentConfig // Component definitions
//	}
package config
