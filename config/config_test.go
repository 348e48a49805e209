package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/geofuse/types"
)

// Test basic config structure
func TestConfig_Structure(t *testing.T) {
	cfg := &Config{
		Platform: PlatformConfig{
			Org:          "c360",
			ID:           "fusion-prod",
			Type:         "edge",
			Region:       "west",
			Capabilities: []string{"camera", "radar"},
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
	}

	assert.Equal(t, "fusion-prod", cfg.Platform.ID)
	assert.Equal(t, "edge", cfg.Platform.Type)
	assert.Contains(t, cfg.Platform.Capabilities, "camera")
}

// Test loading config from JSON file
func TestLoader_LoadJSON(t *testing.T) {
	// Create test config file
	testConfig := `{
		"platform": {
			"org": "c360",
			"id": "site-north",
			"type": "fixed",
			"region": "west",
			"capabilities": ["camera", "radar", "lidar"]
		},
		"nats": {
			"urls": ["nats://localhost:4222", "nats://localhost:4223"],
			"max_reconnects": 10,
			"reconnect_wait": "5s"
		},
		"components": {
			"udp-input": {"type": "input", "name": "udp", "enabled": true}
		}
	}`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")
	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	// Load config
	loader := NewLoader()
	cfg, err := loader.LoadFile(configFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify loaded values
	assert.Equal(t, "site-north", cfg.Platform.ID)
	assert.Equal(t, "fixed", cfg.Platform.Type)
	assert.Equal(t, "west", cfg.Platform.Region)
	assert.Len(t, cfg.Platform.Capabilities, 3)
	assert.Len(t, cfg.NATS.URLs, 2)
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)

	udpInput, exists := cfg.Components["udp-input"]
	require.True(t, exists)
	assert.True(t, udpInput.Enabled)
	assert.Equal(t, "udp", udpInput.Name)
}

// Test default values
func TestLoader_Defaults(t *testing.T) {
	// Minimal config with missing fields
	testConfig := `{
		"platform": {
			"org": "c360",
			"id": "fusion-prod",
			"type": "edge"
		}
	}`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")
	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	loader := NewLoader()
	cfg, err := loader.LoadFile(configFile)
	require.NoError(t, err)

	// Check defaults were applied
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs) // default URL
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)                       // default infinite reconnects
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)            // default wait
	assert.True(t, cfg.NATS.JetStream.Enabled)                        // default enabled
}

// Test environment variable overrides
func TestLoader_EnvOverrides(t *testing.T) {
	// Set environment variables
	_ = os.Setenv("GEOFUSE_PLATFORM_ID", "env-platform")
	_ = os.Setenv("GEOFUSE_NATS_USERNAME", "testuser")
	_ = os.Setenv("GEOFUSE_NATS_PASSWORD", "testpass")
	defer func() {
		_ = os.Unsetenv("GEOFUSE_PLATFORM_ID")
		_ = os.Unsetenv("GEOFUSE_NATS_USERNAME")
		_ = os.Unsetenv("GEOFUSE_NATS_PASSWORD")
	}()

	// Base config
	testConfig := `{
		"platform": {
			"org": "c360",
			"id": "json-platform",
			"type": "edge"
		}
	}`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")
	err := os.WriteFile(configFile, []byte(testConfig), 0644)
	require.NoError(t, err)

	loader := NewLoader()
	cfg, err := loader.LoadFile(configFile)
	require.NoError(t, err)

	// Env vars should override JSON
	assert.Equal(t, "env-platform", cfg.Platform.ID)
	assert.Equal(t, "testuser", cfg.NATS.Username)
	assert.Equal(t, "testpass", cfg.NATS.Password)

	// JSON value should remain when no env override
	assert.Equal(t, "edge", cfg.Platform.Type)
}

// Test validation
func TestLoader_Validation(t *testing.T) {
	tests := []struct {
		name      string
		config    string
		wantError string
	}{
		{
			name: "missing org",
			config: `{
				"platform": {
					"id": "site-north",
					"type": "edge"
				}
			}`,
			wantError: "platform.org is required",
		},
		{
			name: "missing platform ID",
			config: `{
				"platform": {
					"org": "c360",
					"type": "edge"
				}
			}`,
			wantError: "platform.id is required",
		},
		{
			name: "invalid component config - empty component name",
			config: `{
				"platform": {
					"org": "c360",
					"id": "site-north",
					"type": "edge"
				},
				"components": {
					"udp-camera-north": {
						"type": "input",
						"name": "",
						"enabled": true
					}
				}
			}`,
			wantError: "component factory name cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configFile := filepath.Join(tmpDir, "config.json")
			err := os.WriteFile(configFile, []byte(tt.config), 0644)
			require.NoError(t, err)

			loader := NewLoader()
			loader.EnableValidation(true)

			_, err = loader.LoadFile(configFile)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantError)
		})
	}
}

// Test merging configurations
func TestLoader_MergeConfigs(t *testing.T) {
	loader := NewLoader()

	base := &Config{
		Platform: PlatformConfig{
			Type:   "generic",
			Region: "west",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
		},
		Components: ComponentConfigs{
			"udp-input": types.ComponentConfig{
				Type:    types.ComponentTypeInput,
				Name:    "udp",
				Enabled: true,
			},
		},
	}

	override := &Config{
		Platform: PlatformConfig{
			ID:           "fusion-prod",
			Type:         "fixed",
			Capabilities: []string{"camera"},
		},
		NATS: NATSConfig{
			MaxReconnects: 5,
			Username:      "testuser",
		},
		Components: ComponentConfigs{
			"fusion": types.ComponentConfig{
				Type:    types.ComponentTypeProcessor,
				Name:    "geofusion",
				Enabled: true,
			},
		},
	}

	merged := loader.mergeConfigs(base, override)

	// Check merged values
	assert.Equal(t, "fusion-prod", merged.Platform.ID)                // from override
	assert.Equal(t, "fixed", merged.Platform.Type)                    // from override
	assert.Equal(t, "west", merged.Platform.Region)                   // from base
	assert.Equal(t, []string{"camera"}, merged.Platform.Capabilities) // from override

	assert.Equal(t, []string{"nats://localhost:4222"}, merged.NATS.URLs) // from base
	assert.Equal(t, 5, merged.NATS.MaxReconnects)                        // from override
	assert.Equal(t, "testuser", merged.NATS.Username)                    // from override

	// Component maps merge by key
	assert.True(t, merged.Components["udp-input"].Enabled) // from base
	assert.True(t, merged.Components["fusion"].Enabled)    // from override
}

// Test saving configuration back to file
func TestConfig_Save(t *testing.T) {
	cfg := &Config{
		Platform: PlatformConfig{
			ID:           "save-test",
			Type:         "fixed",
			Region:       "east",
			Capabilities: []string{"camera", "radar"},
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://server1:4222", "nats://server2:4222"},
			MaxReconnects: 10,
		},
		Components: ComponentConfigs{
			"file-output": types.ComponentConfig{
				Type:    types.ComponentTypeOutput,
				Name:    "file",
				Enabled: true,
			},
		},
	}

	tmpDir := t.TempDir()
	saveFile := filepath.Join(tmpDir, "saved.json")

	err := cfg.SaveToFile(saveFile)
	require.NoError(t, err)

	// Load it back
	loader := NewLoader()
	loaded, err := loader.LoadFile(saveFile)
	require.NoError(t, err)

	assert.Equal(t, cfg.Platform.ID, loaded.Platform.ID)
	assert.Equal(t, cfg.Platform.Type, loaded.Platform.Type)
	assert.Equal(t, cfg.Platform.Region, loaded.Platform.Region)
	assert.Equal(t, cfg.Platform.Capabilities, loaded.Platform.Capabilities)
	assert.Equal(t, cfg.NATS.URLs, loaded.NATS.URLs)
	assert.Equal(t, cfg.NATS.MaxReconnects, loaded.NATS.MaxReconnects)
	assert.Equal(t, cfg.Components["file-output"].Name, loaded.Components["file-output"].Name)
	assert.Equal(t, cfg.Components["file-output"].Enabled, loaded.Components["file-output"].Enabled)
}

// Test loading the example config
func TestLoader_ExampleConfig(t *testing.T) {
	// Load the example config from the current directory
	loader := NewLoader()
	cfg, err := loader.LoadFile("example_config.json")
	require.NoError(t, err)

	// Verify the fusion pipeline demo structure
	assert.Equal(t, "fusion-demo", cfg.Platform.ID)
	assert.Equal(t, "edge", cfg.Platform.Type)

	// Check components are properly configured
	assert.Equal(t, 4, len(cfg.Components), "should have 4 components configured")

	// Verify udp-input component
	udpInput, exists := cfg.Components["udp-input"]
	assert.True(t, exists, "should have udp-input component")
	assert.Equal(t, types.ComponentType("input"), udpInput.Type)
	assert.Equal(t, "udp", udpInput.Name)
	assert.True(t, udpInput.Enabled)

	// Verify fusion processor component
	fusionProc, exists := cfg.Components["fusion-processor"]
	assert.True(t, exists, "should have fusion-processor component")
	assert.Equal(t, types.ComponentType("processor"), fusionProc.Type)
	assert.Equal(t, "geofusion", fusionProc.Name)
	assert.True(t, fusionProc.Enabled)

	// Verify websocket-output component
	wsOutput, exists := cfg.Components["websocket-output"]
	assert.True(t, exists, "should have websocket-output component")
	assert.Equal(t, types.ComponentType("output"), wsOutput.Type)
	assert.Equal(t, "websocket", wsOutput.Name)
	assert.True(t, wsOutput.Enabled)
}
