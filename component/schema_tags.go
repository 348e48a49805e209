// Package component generates configuration schemas from struct tags.
//
// Component config structs carry a `schema` tag next to their `json`
// tag, and GenerateConfigSchema turns the struct into the ConfigSchema
// the registry validates configs against. The tag is the single source
// of truth for a field's type, bounds, and whether it is required:
//
//	type Config struct {
//	    Port         int   `json:"port"           schema:"type:int,description:UDP listen port,min:1,max:65535,default:5005"`
//	    WindowSizeMs int64 `json:"window_size_ms" schema:"type:int,description:Alignment window in milliseconds,required"`
//	}
//
//	var configSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))
//
// Reflection runs once, at package init; the generated schema lives in
// a package-level variable.
package component

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/c360/geofuse/errors"
)

// SchemaDirectives holds the parsed directives of one schema tag.
type SchemaDirectives struct {
	Type        string // required
	Description string // falls back to the field name

	// Organization
	Category string // "basic" or "advanced"
	ReadOnly bool   // for PortDefinition fields
	Editable bool   // for PortDefinition fields

	// Constraints
	Default  any // stored as string, converted during schema generation
	Required bool
	Min      *int
	Max      *int
	Enum     []string
}

// PortFieldInfo describes one PortDefinition field for discovery
// clients: its type and whether operators may override it in config.
type PortFieldInfo struct {
	Type     string `json:"type"`
	Editable bool   `json:"editable"`
}

// ParseSchemaTag parses a schema struct tag into directives.
//
// Directives are comma-separated. Key-value pairs use a colon
// ("min:1"), boolean flags stand alone ("required", "readonly"), and
// enum values are pipe-separated ("enum:json|jsonl|raw"). Whitespace
// around values is trimmed.
//
// The type directive is mandatory; everything else is optional:
//
//	schema:"type:int,description:UDP listen port,min:1,max:65535"
//	schema:"type:enum,enum:json|jsonl|raw,default:jsonl"
//	schema:"required,type:float,description:Cluster distance in meters"
//	schema:"readonly,type:string,description:Port identifier"
func ParseSchemaTag(tag string) (SchemaDirectives, error) {
	directives := SchemaDirectives{}

	if tag == "" {
		return directives, errors.WrapInvalid(
			fmt.Errorf("empty schema tag"),
			"SchemaTag", "ParseSchemaTag", "tag validation",
		)
	}

	parts := strings.Split(tag, ",")

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// Boolean flags (no colon)
		if !strings.Contains(part, ":") {
			if err := parseBooleanFlag(part, &directives); err != nil {
				return directives, err
			}
			continue
		}

		if err := parseKeyValueDirective(part, &directives); err != nil {
			return directives, err
		}
	}

	if directives.Type == "" {
		return directives, errors.WrapInvalid(
			fmt.Errorf("type directive is required"),
			"SchemaTag", "ParseSchemaTag", "required field validation",
		)
	}

	return directives, nil
}

func parseBooleanFlag(flag string, directives *SchemaDirectives) error {
	switch flag {
	case "readonly":
		directives.ReadOnly = true
	case "editable":
		directives.Editable = true
	case "required":
		directives.Required = true
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown boolean flag: %s", flag),
			"SchemaTag", "parseBooleanFlag", "flag parsing",
		)
	}
	return nil
}

func parseKeyValueDirective(part string, directives *SchemaDirectives) error {
	kv := strings.SplitN(part, ":", 2)
	if len(kv) != 2 {
		return errors.WrapInvalid(
			fmt.Errorf("invalid directive format: %s", part),
			"SchemaTag", "parseKeyValueDirective", "directive parsing",
		)
	}

	key := strings.TrimSpace(kv[0])
	value := strings.TrimSpace(kv[1])

	if value == "" {
		return errors.WrapInvalid(
			fmt.Errorf("empty value for directive: %s", key),
			"SchemaTag", "parseKeyValueDirective", "value validation",
		)
	}

	switch key {
	case "type":
		if !isValidType(value) {
			return errors.WrapInvalid(
				fmt.Errorf("invalid type: %s", value),
				"SchemaTag", "parseKeyValueDirective", "type validation",
			)
		}
		directives.Type = value

	case "description":
		directives.Description = value

	case "category":
		if value != "basic" && value != "advanced" {
			return errors.WrapInvalid(
				fmt.Errorf("invalid category: %s (must be 'basic' or 'advanced')", value),
				"SchemaTag", "parseKeyValueDirective", "category validation",
			)
		}
		directives.Category = value

	case "default":
		// Stored as string, converted to the field type during generation
		directives.Default = value

	case "min":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("invalid min value: %s", value),
				"SchemaTag", "parseKeyValueDirective", "min parsing",
			)
		}
		directives.Min = &n

	case "max":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("invalid max value: %s", value),
				"SchemaTag", "parseKeyValueDirective", "max parsing",
			)
		}
		directives.Max = &n

	case "enum":
		directives.Enum = strings.Split(value, "|")
		for i := range directives.Enum {
			directives.Enum[i] = strings.TrimSpace(directives.Enum[i])
		}

	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown directive: %s", key),
			"SchemaTag", "parseKeyValueDirective", "directive validation",
		)
	}

	return nil
}

func isValidType(t string) bool {
	validTypes := []string{
		"string", "int", "bool", "float",
		"enum", "array", "object", "ports",
	}
	for _, valid := range validTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// GenerateConfigSchema builds a ConfigSchema from a config struct's
// tags. Only exported fields carrying both a json and a schema tag are
// included; fields whose schema tag fails to parse are skipped rather
// than failing the whole schema. Fields tagged required land in the
// schema's Required list, which is what makes the registry reject a
// geofusion config that omits a tunable.
//
// Pointer types are dereferenced; non-struct types produce an empty
// schema.
func GenerateConfigSchema(configType reflect.Type) ConfigSchema {
	schema := ConfigSchema{
		Properties: make(map[string]PropertySchema),
		Required:   []string{},
	}

	if configType.Kind() == reflect.Ptr {
		configType = configType.Elem()
	}

	if configType.Kind() != reflect.Struct {
		return schema
	}

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)

		jsonTag := field.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		// Field name is the json tag up to the first option
		fieldName := strings.Split(jsonTag, ",")[0]
		if fieldName == "" {
			continue
		}

		schemaTag := field.Tag.Get("schema")
		if schemaTag == "" {
			continue
		}

		directives, err := ParseSchemaTag(schemaTag)
		if err != nil {
			// Skip fields with malformed tags
			continue
		}

		description := directives.Description
		if description == "" {
			description = fieldName
		}

		propSchema := PropertySchema{
			Type:        directives.Type,
			Description: description,
			Category:    directives.Category,
			Default:     convertDefault(directives.Default, directives.Type),
			Minimum:     directives.Min,
			Maximum:     directives.Max,
			Enum:        directives.Enum,
		}

		// Port lists carry per-field metadata so discovery clients know
		// which parts of a port an operator may override
		if directives.Type == "ports" {
			propSchema.PortFields = GeneratePortFieldSchema()
		}

		schema.Properties[fieldName] = propSchema

		if directives.Required {
			schema.Required = append(schema.Required, fieldName)
		}
	}

	return schema
}

// convertDefault converts a default value string to the field's type.
func convertDefault(value any, fieldType string) any {
	if value == nil {
		return nil
	}

	valueStr, ok := value.(string)
	if !ok {
		return value
	}

	switch fieldType {
	case "string", "enum":
		return valueStr

	case "int":
		n, err := strconv.Atoi(valueStr)
		if err != nil {
			return nil
		}
		return n

	case "bool":
		b, err := strconv.ParseBool(valueStr)
		if err != nil {
			return nil
		}
		return b

	case "float":
		f, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return nil
		}
		return f

	case "array":
		// Single-element default; anything richer belongs in config JSON
		if valueStr == "" {
			return []string{}
		}
		return []string{valueStr}

	case "object", "ports":
		return nil

	default:
		return valueStr
	}
}

// GeneratePortFieldSchema reflects over PortDefinition's tags and
// reports each field's type and editability. Fields tagged editable
// (Subject, StreamName) may be overridden in component config; fields
// tagged readonly (Name, Type) are fixed by the component. Untagged
// fields default to read-only strings.
func GeneratePortFieldSchema() map[string]PortFieldInfo {
	portType := reflect.TypeOf(PortDefinition{})
	fields := make(map[string]PortFieldInfo)

	for i := 0; i < portType.NumField(); i++ {
		field := portType.Field(i)

		jsonTag := field.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		fieldName := strings.Split(jsonTag, ",")[0]
		if fieldName == "" {
			continue
		}

		schemaTag := field.Tag.Get("schema")
		if schemaTag == "" {
			fields[fieldName] = PortFieldInfo{
				Type:     "string",
				Editable: false,
			}
			continue
		}

		directives, err := ParseSchemaTag(schemaTag)
		if err != nil {
			continue
		}

		fields[fieldName] = PortFieldInfo{
			Type:     directives.Type,
			Editable: directives.Editable,
		}
	}

	return fields
}
