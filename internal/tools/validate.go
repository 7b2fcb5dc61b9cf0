package tools

import (
	"fmt"
	"math"

	"ToolChat/internal/chaterr"
)

// Validate checks arguments against the tool's input schema: required
// properties must be present and declared properties must have the declared
// JSON type. Undeclared properties are passed through.
func Validate(spec Spec, args map[string]any) error {
	for _, required := range spec.Schema.Required {
		if _, ok := args[required]; !ok {
			return chaterr.New(chaterr.KindToolExecution, spec.Name, "missing required argument %q", required)
		}
	}

	for name, value := range args {
		raw, ok := spec.Schema.Properties[name]
		if !ok {
			continue
		}
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := prop["type"].(string)
		if typ == "" {
			continue
		}
		if err := validateType(value, typ); err != nil {
			return chaterr.New(chaterr.KindToolExecution, spec.Name, "invalid argument %q: %v", name, err)
		}
	}
	return nil
}

func validateType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case "integer":
		switch v := value.(type) {
		case int, int64, int32:
		case float64:
			if v != math.Trunc(v) {
				return fmt.Errorf("expected integer, got %v", v)
			}
		default:
			return fmt.Errorf("expected integer, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case "null":
		if value != nil {
			return fmt.Errorf("expected null, got %T", value)
		}
	}
	return nil
}
