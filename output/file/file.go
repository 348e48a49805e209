package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/geofuse/component"
	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/natsclient"
)

// Config controls where and how fused events land on disk.
type Config struct {
	Ports      *component.PortConfig `json:"ports"       schema:"type:ports,description:Port configuration,category:basic"`
	Directory  string                `json:"directory"   schema:"type:string,description:Output directory,category:basic"`
	FilePrefix string                `json:"file_prefix" schema:"type:string,description:Prefix,category:basic"`
	Format     string                `json:"format"      schema:"type:enum,enum:json|jsonl|raw,category:basic"`
	Append     bool                  `json:"append"      schema:"type:bool,description:Append mode,category:advanced"`
	BufferSize int                   `json:"buffer_size" schema:"type:int,description:Buffer size,category:advanced"`
}

// Validate rejects configs that would fail at write time.
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "directory is required")
	}

	validFormats := map[string]bool{"json": true, "jsonl": true, "raw": true}
	if !validFormats[c.Format] {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: json, jsonl, raw")
	}

	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"buffer_size cannot be negative")
	}

	return nil
}

// DefaultConfig writes fused.objects as JSONL under /tmp/geofuse.
func DefaultConfig() Config {
	inputDefs := []component.PortDefinition{
		{
			Name:        "nats_input",
			Type:        "nats",
			Subject:     "fused.objects",
			Interface:   "geo.merged.v1",
			Required:    true,
			Description: "NATS subjects to write to files",
		},
	}

	outputDefs := []component.PortDefinition{
		{
			Name:        "file_output",
			Type:        "file",
			Subject:     "/tmp/geofuse/fused.jsonl",
			Required:    false,
			Description: "File path for output",
		},
	}

	return Config{
		Ports: &component.PortConfig{
			Inputs:  inputDefs,
			Outputs: outputDefs,
		},
		Directory:  "/tmp/geofuse",
		FilePrefix: "fused",
		Format:     "jsonl",
		Append:     true,
		BufferSize: 100,
	}
}

var fileSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Output drains NATS subjects into a file, batching writes through an
// in-memory buffer that a background loop flushes every second.
type Output struct {
	name       string
	subjects   []string
	directory  string
	filePrefix string
	format     string
	append     bool
	bufferSize int
	natsClient *natsclient.Client
	logger     *slog.Logger

	file   *os.File
	fileMu sync.Mutex

	// Pending writes, drained by flush.
	buffer   [][]byte
	bufferMu sync.Mutex

	shutdown    chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	messagesWritten int64
	bytesWritten    int64
	errors          int64
	lastActivity    time.Time
}

// NewOutput builds a file output from raw JSON config.
func NewOutput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := component.SafeUnmarshal(rawConfig, &config); err != nil {
		return nil, errors.WrapInvalid(err, "Output", "NewOutput", "config unmarshal")
	}

	if config.Ports == nil {
		config = DefaultConfig()
	}

	var inputSubjects []string
	for _, input := range config.Ports.Inputs {
		if input.Type == "nats" {
			inputSubjects = append(inputSubjects, input.Subject)
		}
	}

	if len(inputSubjects) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Output", "NewOutput", "no input subjects configured")
	}

	if config.Directory == "" {
		config.Directory = "/tmp/geofuse"
	}

	return &Output{
		name:       "file-output",
		subjects:   inputSubjects,
		directory:  config.Directory,
		filePrefix: config.FilePrefix,
		format:     config.Format,
		append:     config.Append,
		bufferSize: config.BufferSize,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		buffer:     make([][]byte, 0, config.BufferSize),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		wg:         &sync.WaitGroup{},
	}, nil
}

// Initialize creates the output directory if it does not exist.
func (f *Output) Initialize() error {
	if err := os.MkdirAll(f.directory, 0755); err != nil {
		return errors.WrapFatal(err, "Output", "Initialize", "create output directory")
	}

	return nil
}

// Start opens the output file, subscribes to the configured subjects,
// and launches the periodic flush loop.
func (f *Output) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Output", "Start", "check running state")
	}

	if f.natsClient == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Output", "Start", "NATS client required")
	}

	filename := filepath.Join(f.directory, fmt.Sprintf("%s.%s", f.filePrefix, f.format))
	var err error
	flags := os.O_CREATE | os.O_WRONLY
	if f.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f.file, err = os.OpenFile(filename, flags, 0644)
	if err != nil {
		return errors.WrapFatal(err, "Output", "Start", "open output file")
	}

	for _, subject := range f.subjects {
		if err := f.natsClient.Subscribe(ctx, subject, f.handleMessage); err != nil {
			f.logger.Error("Subscribe failed",
				"component", f.name,
				"subject", subject,
				"error", err)
			return errors.WrapTransient(err, "Output", "Start", fmt.Sprintf("subscribe to %s", subject))
		}
	}

	f.wg.Add(1)
	go f.flushLoop()

	f.mu.Lock()
	f.running = true
	f.startTime = time.Now()
	f.mu.Unlock()

	f.logger.Info("File output started",
		"component", f.name,
		"input_subjects", f.subjects,
		"output_file", filename,
		"format", f.format,
		"append", f.append,
		"buffer_size", f.bufferSize)

	return nil
}

// Stop halts the flush loop, drains whatever is still buffered, and
// closes the file.
func (f *Output) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running {
		return nil
	}

	close(f.shutdown)

	waitCh := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "Output", "Stop", "shutdown")
	}

	// Final drain so nothing buffered is lost on shutdown.
	f.flush()

	f.fileMu.Lock()
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			f.logger.Warn("failed to close output file", "error", err, "path", f.file.Name())
		}
		f.file = nil
	}
	f.fileMu.Unlock()

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.closeOnce.Do(func() {
		close(f.done)
	})

	return nil
}

// handleMessage buffers one fused object event, flushing when the
// batch fills.
func (f *Output) handleMessage(ctx context.Context, msgData []byte) {
	f.bufferMu.Lock()
	f.buffer = append(f.buffer, msgData)
	shouldFlush := len(f.buffer) >= f.bufferSize
	f.bufferMu.Unlock()

	if shouldFlush {
		select {
		case <-ctx.Done():
			return
		default:
		}
		f.flush()
	}

	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

// flushLoop drains the buffer on a fixed cadence so partially filled
// batches still reach disk promptly.
func (f *Output) flushLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-f.shutdown:
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

// flush drains the batch to disk in the configured format.
func (f *Output) flush() {
	f.bufferMu.Lock()
	if len(f.buffer) == 0 {
		f.bufferMu.Unlock()
		return
	}

	messages := f.buffer
	messageCount := len(messages)
	f.buffer = make([][]byte, 0, f.bufferSize)
	f.bufferMu.Unlock()

	f.fileMu.Lock()
	defer f.fileMu.Unlock()

	if f.file == nil {
		atomic.AddInt64(&f.errors, int64(len(messages)))
		f.logger.Error("File handle is nil during flush",
			"component", f.name,
			"messages_lost", len(messages))
		return
	}

	for i, msg := range messages {
		n, err := f.file.Write(f.encode(msg))
		if err != nil {
			atomic.AddInt64(&f.errors, 1)
			f.logger.Error("Write failed",
				"component", f.name,
				"message_index", i,
				"error", err)
			continue
		}
		atomic.AddInt64(&f.messagesWritten, 1)
		atomic.AddInt64(&f.bytesWritten, int64(n))
	}

	f.logger.Debug("Flushed batch",
		"component", f.name,
		"messages", messageCount,
		"total_written", atomic.LoadInt64(&f.messagesWritten))
}

// encode renders one event in the configured on-disk format. Events
// that are not valid JSON fall back to a newline-terminated passthrough
// in json mode rather than being dropped.
func (f *Output) encode(msg []byte) []byte {
	switch f.format {
	case "jsonl":
		return append(msg, '\n')
	case "json":
		var obj any
		if err := json.Unmarshal(msg, &obj); err == nil {
			if formatted, err := json.MarshalIndent(obj, "", "  "); err == nil {
				return append(formatted, '\n')
			}
		}
		return append(msg, '\n')
	case "raw":
		return msg
	default:
		return append(msg, '\n')
	}
}

// Meta returns component metadata.
func (f *Output) Meta() component.Metadata {
	return component.Metadata{
		Name:        f.name,
		Type:        "output",
		Description: "File output for writing fused object events to disk",
		Version:     "0.1.0",
	}
}

// InputPorts lists the NATS subjects this output drains.
func (f *Output) InputPorts() []component.Port {
	ports := make([]component.Port, len(f.subjects))
	for i, subj := range f.subjects {
		ports[i] = component.Port{
			Name:      fmt.Sprintf("input_%d", i),
			Direction: component.DirectionInput,
			Required:  true,
			Config:    component.NATSPort{Subject: subj},
		}
	}
	return ports
}

// OutputPorts declares the file this component writes so the registry
// can surface it during discovery.
func (f *Output) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:      "file_output",
			Direction: component.DirectionOutput,
			Required:  false,
			Config: component.FilePort{
				Path:    filepath.Join(f.directory, fmt.Sprintf("%s.%s", f.filePrefix, f.format)),
				Pattern: f.filePrefix + ".*",
			},
		},
	}
}

// ConfigSchema returns the configuration schema.
func (f *Output) ConfigSchema() component.ConfigSchema {
	return fileSchema
}

// Health reports healthy while running with an open file handle.
func (f *Output) Health() component.HealthStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    f.running && f.file != nil,
		LastCheck:  time.Now(),
		ErrorCount: int(atomic.LoadInt64(&f.errors)),
		Uptime:     time.Since(f.startTime),
	}
}

// DataFlow returns throughput since Start.
func (f *Output) DataFlow() component.FlowMetrics {
	f.mu.RLock()
	startTime := f.startTime
	lastActivity := f.lastActivity
	f.mu.RUnlock()

	written := atomic.LoadInt64(&f.messagesWritten)
	bytes := atomic.LoadInt64(&f.bytesWritten)
	errorCount := atomic.LoadInt64(&f.errors)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(written) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if written > 0 {
		errorRate = float64(errorCount) / float64(written)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Register adds the file output factory to the registry.
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "file",
		Factory:     NewOutput,
		Schema:      fileSchema,
		Type:        "output",
		Protocol:    "file",
		Domain:      "storage",
		Description: "File output for writing fused object events in JSON, JSONL, or raw format",
		Version:     "0.1.0",
	})
}
