package component

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/c360/geofuse/errors"
	"github.com/c360/geofuse/types"
)

// Factory creates a component instance from raw JSON configuration.
// The factory parses its own config and returns an initialized component;
// all I/O belongs in the component's Start, not in the factory.
type Factory func(rawConfig json.RawMessage, deps Dependencies) (Discoverable, error)

// Registration holds factory and metadata for a component type.
type Registration struct {
	Name         string       `json:"name"`         // factory name ("udp", "geofusion", ...)
	Type         string       `json:"type"`         // input, processor, or output
	Protocol     string       `json:"protocol"`     // udp, nats, websocket, file
	Domain       string       `json:"domain"`       // network, geo, storage
	Description  string       `json:"description"`
	Version      string       `json:"version"`
	Schema       ConfigSchema `json:"schema"` // static metadata, no instantiation needed
	Factory      Factory      `json:"-"`
	Dependencies []string     `json:"dependencies"`
}

// RegistrationConfig is the registration API used by each component's
// Register function. Fields map 1:1 to Registration.
type RegistrationConfig struct {
	Name        string
	Factory     Factory
	Schema      ConfigSchema
	Type        string
	Protocol    string
	Domain      string
	Description string
	Version     string
}

// Registry manages component factories and running instances. Exclusive
// resources (UDP ports, websocket listen ports, output files) are
// tracked so two instances cannot claim the same one.
type Registry struct {
	factories       map[string]*Registration
	instances       map[string]Discoverable
	resourceTracker map[string]string // resource ID -> instance name
	mu              sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:       make(map[string]*Registration),
		instances:       make(map[string]Discoverable),
		resourceTracker: make(map[string]string),
	}
}

// RegisterFactory registers a component factory under the given name.
func (r *Registry) RegisterFactory(name string, registration *Registration) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory name validation")
	}
	if registration == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "registration validation")
	}
	if registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}
	if registration.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "component type validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		msg := fmt.Errorf("factory '%s' is already registered", name)
		return errors.WrapInvalid(msg, "Registry", "RegisterFactory", "duplicate factory check")
	}

	r.factories[name] = registration
	return nil
}

// RegisterWithConfig registers a factory from a RegistrationConfig.
func (r *Registry) RegisterWithConfig(config RegistrationConfig) error {
	registration := &Registration{
		Name:        config.Name,
		Factory:     config.Factory,
		Schema:      config.Schema,
		Type:        config.Type,
		Protocol:    config.Protocol,
		Domain:      config.Domain,
		Description: config.Description,
		Version:     config.Version,
	}

	return r.RegisterFactory(config.Name, registration)
}

// CreateComponent builds an instance through the named factory and
// registers it under instanceName. The raw config is validated against
// size and structure limits before the factory sees it.
func (r *Registry) CreateComponent(
	instanceName string, config types.ComponentConfig, deps Dependencies,
) (Discoverable, error) {
	if err := ValidateComponentName(instanceName); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance name validation")
	}
	if config.Type == "" {
		return nil, errors.WrapInvalid(
			errors.ErrInvalidConfig, "Registry", "CreateComponent", "component type validation")
	}
	if err := ValidateComponentName(config.Name); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory name validation")
	}
	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "CreateComponent", "NATS client validation")
	}

	if err := ValidateFactoryConfig(config.Config); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "config security validation")
	}

	r.mu.RLock()
	registration, exists := r.factories[config.Name]
	r.mu.RUnlock()

	if !exists {
		msg := fmt.Errorf("unknown component factory '%s'", config.Name)
		return nil, errors.WrapInvalid(msg, "Registry", "CreateComponent", "factory lookup")
	}

	if registration.Type != string(config.Type) {
		msg := fmt.Errorf("component '%s' is type '%s', not '%s'",
			config.Name, registration.Type, config.Type)
		return nil, errors.WrapInvalid(msg, "Registry", "CreateComponent", "type validation")
	}

	if err := validateAgainstSchema(config.Config, registration.Schema); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "schema validation")
	}

	component, err := registration.Factory(config.Config, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory execution")
	}

	if err := r.RegisterInstance(instanceName, component); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance registration")
	}

	return component, nil
}

// validateAgainstSchema checks the raw config against the factory's
// declared schema, so missing required fields and out-of-range values
// are rejected before the factory runs.
func validateAgainstSchema(rawConfig json.RawMessage, schema ConfigSchema) error {
	if len(schema.Properties) == 0 && len(schema.Required) == 0 {
		return nil
	}

	configMap := make(map[string]any)
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &configMap); err != nil {
			return errors.WrapInvalid(err, "Registry", "validateAgainstSchema", "config decoding")
		}
	}

	if validationErrors := ValidateConfig(configMap, schema); len(validationErrors) > 0 {
		msgs := make([]string, len(validationErrors))
		for i, ve := range validationErrors {
			msgs[i] = ve.Message
		}
		msg := fmt.Errorf("config validation failed: %s", strings.Join(msgs, "; "))
		return errors.WrapInvalid(msg, "Registry", "validateAgainstSchema", "schema check")
	}

	return nil
}

// RegisterInstance registers a running instance, claiming its exclusive
// resources. Fails when the name or a resource is already taken.
func (r *Registry) RegisterInstance(name string, component Discoverable) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "instance name validation")
	}
	if component == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "component validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		msg := fmt.Errorf("instance '%s' is already registered", name)
		return errors.WrapInvalid(msg, "Registry", "RegisterInstance", "duplicate instance check")
	}

	if err := r.checkResourceConflicts(name, component); err != nil {
		return errors.Wrap(err, "Registry", "RegisterInstance", "resource conflict check")
	}

	r.instances[name] = component
	r.trackComponentResources(name, component)

	return nil
}

// UnregisterInstance removes an instance and releases its resources.
func (r *Registry) UnregisterInstance(name string) {
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if component, exists := r.instances[name]; exists {
		r.untrackComponentResources(name, component)
	}

	delete(r.instances, name)
}

// ListFactories returns registered factories without their factory
// functions, for startup logging and discovery.
func (r *Registry) ListFactories() map[string]*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Registration, len(r.factories))
	for name, registration := range r.factories {
		result[name] = &Registration{
			Type:         registration.Type,
			Protocol:     registration.Protocol,
			Domain:       registration.Domain,
			Description:  registration.Description,
			Version:      registration.Version,
			Dependencies: registration.Dependencies,
		}
	}

	return result
}

// GetFactory returns the factory function registered under name.
func (r *Registry) GetFactory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, exists := r.factories[name]
	if !exists {
		return nil, false
	}
	return registration.Factory, true
}

// Validation limits applied to names and factory configs.
const (
	MaxStringLength = 1024
	MaxJSONSize     = 1024 * 1024
	MinPort         = 1
	MaxPort         = 65535
)

// ValidateComponentName restricts names to alphanumerics plus dash,
// underscore, and dot. Names end up in NATS subjects and log lines.
func ValidateComponentName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "empty name")
	}
	if len(name) > MaxStringLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "name too long")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return errors.WrapInvalid(
				errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName",
				"invalid name characters")
		}
	}
	return nil
}

// ValidatePortNumber checks a port is in the valid TCP/UDP range.
func ValidatePortNumber(port int) error {
	if port < MinPort || port > MaxPort {
		msg := fmt.Errorf("port %d outside valid range %d-%d", port, MinPort, MaxPort)
		return errors.WrapInvalid(msg, "ConfigValidator", "ValidatePortNumber",
			"port range validation")
	}
	return nil
}

func (r *Registry) checkResourceConflicts(_ string, component Discoverable) error {
	allPorts := append(component.InputPorts(), component.OutputPorts()...)

	for _, port := range allPorts {
		if port.Config != nil && port.Config.IsExclusive() {
			resourceID := port.Config.ResourceID()

			if networkPort, ok := port.Config.(NetworkPort); ok {
				if err := ValidatePortNumber(networkPort.Port); err != nil {
					return errors.Wrap(err, "Registry", "checkResourceConflicts", "network port validation")
				}
			}

			if existingInstance, exists := r.resourceTracker[resourceID]; exists {
				msg := fmt.Errorf("resource conflict: %s already used by component '%s'",
					resourceID, existingInstance)
				return errors.WrapInvalid(msg, "Registry", "checkResourceConflicts",
					"exclusive resource check")
			}
		}
	}

	return nil
}

func (r *Registry) trackComponentResources(instanceName string, component Discoverable) {
	allPorts := append(component.InputPorts(), component.OutputPorts()...)

	for _, port := range allPorts {
		if port.Config != nil && port.Config.IsExclusive() {
			r.resourceTracker[port.Config.ResourceID()] = instanceName
		}
	}
}

func (r *Registry) untrackComponentResources(instanceName string, component Discoverable) {
	allPorts := append(component.InputPorts(), component.OutputPorts()...)

	for _, port := range allPorts {
		if port.Config != nil && port.Config.IsExclusive() {
			resourceID := port.Config.ResourceID()
			if trackedInstance, exists := r.resourceTracker[resourceID]; exists && trackedInstance == instanceName {
				delete(r.resourceTracker, resourceID)
			}
		}
	}
}
