package mcptool

import (
	"fmt"
	"slices"

	"github.com/MrWong99/waypoint/internal/tool"
)

// FieldsFromSchema converts a JSON Schema object with scalar properties into
// typed fields, sorted by property name. Nested objects and arrays are not
// supported. Free-text string properties (no enum, no format) are marked
// safety-checked.
func FieldsFromSchema(schema map[string]any) ([]tool.Field, error) {
	if t, ok := schema["type"]; ok && t != "object" {
		return nil, fmt.Errorf("input schema type %v is not object", t)
	}
	props, _ := schema["properties"].(map[string]any)

	required := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	fields := make([]tool.Field, 0, len(names))
	for _, name := range names {
		p, ok := props[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("property %q is not an object", name)
		}
		f, err := fieldFromProperty(name, p)
		if err != nil {
			return nil, err
		}
		f.Required = required[name]
		fields = append(fields, f)
	}
	for name := range required {
		if _, ok := props[name]; !ok {
			return nil, fmt.Errorf("required property %q is not declared", name)
		}
	}
	return fields, nil
}

func fieldFromProperty(name string, p map[string]any) (tool.Field, error) {
	f := tool.Field{Name: name}
	f.Description, _ = p["description"].(string)

	switch t, _ := p["type"].(string); t {
	case "string":
		f.Type = tool.TypeString
	case "number":
		f.Type = tool.TypeNumber
	case "integer":
		f.Type = tool.TypeInteger
	case "boolean":
		f.Type = tool.TypeBoolean
	default:
		return tool.Field{}, fmt.Errorf("property %q has unsupported type %v", name, p["type"])
	}

	if enum, ok := p["enum"].([]any); ok {
		for _, e := range enum {
			s, ok := e.(string)
			if !ok {
				return tool.Field{}, fmt.Errorf("property %q has a non-string enum value", name)
			}
			f.Enum = append(f.Enum, s)
		}
	}
	f.Minimum = number(p["minimum"])
	f.Maximum = number(p["maximum"])
	f.ExclusiveMinimum = number(p["exclusiveMinimum"])
	if n := number(p["minLength"]); n != nil {
		f.MinLength = int(*n)
	}
	if n := number(p["maxLength"]); n != nil {
		f.MaxLength = int(*n)
	}
	f.Pattern, _ = p["pattern"].(string)
	f.Format, _ = p["format"].(string)
	f.SafetyChecked = f.Type == tool.TypeString && len(f.Enum) == 0 && f.Format == ""
	return f, nil
}

func number(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}
