// Package file provides a file output component for writing messages to files.
//
// # Overview
//
// The file output component subscribes to NATS subjects (by default the
// fused object stream) and writes each message to a file on disk, with
// buffered batching and periodic flushing. It implements the component
// interfaces for lifecycle management and observability.
//
// # Quick Start
//
// Write fused object events to a JSON lines file:
//
//	config := file.Config{
//	    Ports: &component.PortConfig{
//	        Inputs: []component.PortDefinition{
//	            {Name: "input", Type: "nats", Subject: "fused.objects", Required: true},
//	        },
//	    },
//	    Directory:  "/var/log/geofuse",
//	    FilePrefix: "fused",
//	    Format:     "jsonl",
//	}
//
//	rawConfig, _ := json.Marshal(config)
//	output, err := file.NewOutput(rawConfig, deps)
//
// # Configuration
//
//   - Directory: Output directory (created on Initialize)
//   - FilePrefix: File name prefix; the extension follows the format
//   - Format: Output format ("json", "jsonl", "raw")
//   - Append: Append to existing file vs overwrite (default: true)
//   - BufferSize: Messages buffered before a forced flush
//
// # File Formats
//
// **JSON Lines** (recommended for structured data):
//
//	Format: "jsonl"
//
//	// Each message written as single JSON line
//	{"identity_id": "...", "object_class": "vehicle", "confidence": 0.9}
//
// **JSON** (pretty-printed, one document per message):
//
//	Format: "json"
//
// **Raw** (message bytes written directly):
//
//	Format: "raw"
//
// # Buffering and Flushing
//
// Messages are buffered and flushed either when the buffer reaches
// BufferSize or on a one second ticker, whichever comes first. Stop()
// flushes the remaining buffer before closing the file.
//
// # Message Flow
//
//	NATS Subject → Message Handler → Buffer → Periodic Flush → Disk
//
// # Error Handling
//
// The component uses the errors package for consistent classification:
//
//   - Invalid config: errors.WrapInvalid (bad configuration)
//   - File errors: errors.WrapFatal (open failure) or counted write errors
//   - NATS errors: errors.WrapTransient (connection issues)
//
// Write errors are logged and counted but don't stop the component.
//
// # Thread Safety
//
// The component is fully thread-safe:
//
//   - File writes protected by sync.Mutex
//   - Start/Stop can be called from any goroutine
//   - Metrics updates use atomic operations
//
// # File Rotation
//
// Current version does not include built-in file rotation. External
// rotation with Append: true works safely.
package file
