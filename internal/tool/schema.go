package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldType is the JSON type of an argument.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
)

// Field declares one named argument and its constraints. Unset constraint
// fields (nil pointers, zero lengths, empty strings) are not enforced.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool

	// SafetyChecked marks free text that must pass the safety filter before
	// the handler runs.
	SafetyChecked bool

	Enum             []string
	Minimum          *float64
	ExclusiveMinimum *float64
	Maximum          *float64
	MinLength        int
	MaxLength        int
	Pattern          string

	// Format is a JSON Schema format asserted during validation, e.g. "date"
	// or "date-time".
	Format string
}

// Ptr returns a pointer to v, for the numeric bounds of a [Field].
func Ptr(v float64) *float64 { return &v }

// fragment returns the field's JSON Schema object.
func (f Field) fragment() map[string]any {
	m := map[string]any{"type": string(f.Type)}
	if f.Description != "" {
		m["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		m["enum"] = slices.Clone(f.Enum)
	}
	if f.Minimum != nil {
		m["minimum"] = *f.Minimum
	}
	if f.ExclusiveMinimum != nil {
		m["exclusiveMinimum"] = *f.ExclusiveMinimum
	}
	if f.Maximum != nil {
		m["maximum"] = *f.Maximum
	}
	if f.MinLength > 0 {
		m["minLength"] = f.MinLength
	}
	if f.MaxLength > 0 {
		m["maxLength"] = f.MaxLength
	}
	if f.Pattern != "" {
		m["pattern"] = f.Pattern
	}
	if f.Format != "" {
		m["format"] = f.Format
	}
	return m
}

// Schema is a compiled, ordered argument list. Each field has its own
// compiled validator so the first violating field can be reported by name.
type Schema struct {
	fields   []Field
	index    map[string]int
	compiled []*jsonschema.Schema
}

// NewSchema compiles fields. Field names must be unique.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields:   slices.Clone(fields),
		index:    make(map[string]int, len(fields)),
		compiled: make([]*jsonschema.Schema, len(fields)),
	}
	for i, f := range s.fields {
		if f.Name == "" {
			return nil, fmt.Errorf("tool: schema field %d has no name", i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("tool: schema field %q declared twice", f.Name)
		}
		switch f.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		default:
			return nil, fmt.Errorf("tool: schema field %q: unsupported type %q", f.Name, f.Type)
		}
		s.index[f.Name] = i

		doc, err := json.Marshal(f.fragment())
		if err != nil {
			return nil, fmt.Errorf("tool: schema field %q: %w", f.Name, err)
		}
		url := "mem://field/" + f.Name + ".json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(url, strings.NewReader(string(doc))); err != nil {
			return nil, fmt.Errorf("tool: schema field %q: %w", f.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool: schema field %q: compile: %w", f.Name, err)
		}
		s.compiled[i] = compiled
	}
	return s, nil
}

// MustSchema is like [NewSchema] but panics on error. It is meant for
// package-level tool declarations.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns a copy of the declared fields in order.
func (s *Schema) Fields() []Field { return slices.Clone(s.fields) }

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// SafetyChecked returns the names of fields flagged for safety screening.
func (s *Schema) SafetyChecked() []string {
	var out []string
	for _, f := range s.fields {
		if f.SafetyChecked {
			out = append(out, f.Name)
		}
	}
	return out
}

// JSONSchema renders the schema as a closed JSON Schema object for the
// model's function-calling interface.
func (s *Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.fields))
	required := []string{}
	for _, f := range s.fields {
		props[f.Name] = f.fragment()
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate checks raw against the schema and returns the typed argument set.
// Declared fields are checked in declaration order, then unknown keys in
// sorted order; the first violation is returned. A JSON null counts as
// absent. Numbers become float64 (number) or int64 (integer) in the result.
func (s *Schema) Validate(raw map[string]any) (Args, *ValidationError) {
	args := make(Args, len(raw))
	for i, f := range s.fields {
		v, present := raw[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, &ValidationError{Field: f.Name, Reason: "is required"}
			}
			continue
		}
		if err := s.compiled[i].Validate(v); err != nil {
			return nil, &ValidationError{Field: f.Name, Reason: reason(err)}
		}
		nv, err := normalize(f.Type, v)
		if err != nil {
			return nil, &ValidationError{Field: f.Name, Reason: err.Error()}
		}
		args[f.Name] = nv
	}

	var unknown []string
	for k := range raw {
		if _, ok := s.index[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, &ValidationError{Field: unknown[0], Reason: "is not a recognised argument"}
	}
	return args, nil
}

// reason extracts the most specific message from a jsonschema error.
func reason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Message
}

func normalize(t FieldType, v any) (any, error) {
	switch t {
	case TypeNumber:
		return toFloat(v)
	case TypeInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, fmt.Errorf("must be an integer")
		}
		return int64(f), nil
	default:
		return v, nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// Args is a validated argument set. Values have their schema types: string,
// float64, int64 or bool.
type Args map[string]any

// String returns the named string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Float returns the named number argument.
func (a Args) Float(name string) (float64, bool) {
	f, ok := a[name].(float64)
	return f, ok
}

// Int returns the named integer argument.
func (a Args) Int(name string) (int64, bool) {
	i, ok := a[name].(int64)
	return i, ok
}

// Bool returns the named boolean argument.
func (a Args) Bool(name string) (bool, bool) {
	b, ok := a[name].(bool)
	return b, ok
}

// Has reports whether the argument is present.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Clone returns a shallow copy.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
