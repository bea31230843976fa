package tool

import (
	"encoding/json"
	"strings"
	"testing"
)

func expenseSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(
		Field{Name: "amount", Type: TypeNumber, Required: true, ExclusiveMinimum: Ptr(0), Maximum: Ptr(1_000_000)},
		Field{Name: "category", Type: TypeString, Required: true, Enum: []string{"gas", "food", "lodging"}},
		Field{Name: "note", Type: TypeString, MaxLength: 20, SafetyChecked: true},
		Field{Name: "date", Type: TypeString, Format: "date"},
		Field{Name: "nights", Type: TypeInteger, Minimum: Ptr(1)},
		Field{Name: "shared", Type: TypeBoolean},
	)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func TestSchema_Validate(t *testing.T) {
	t.Parallel()

	s := expenseSchema(t)
	tests := []struct {
		name      string
		raw       map[string]any
		wantField string
	}{
		{name: "valid minimal", raw: map[string]any{"amount": 50, "category": "gas"}},
		{name: "valid json number", raw: map[string]any{"amount": json.Number("12.5"), "category": "food", "nights": json.Number("2")}},
		{name: "null optional is absent", raw: map[string]any{"amount": 1.0, "category": "gas", "note": nil}},
		{name: "missing required", raw: map[string]any{"category": "gas"}, wantField: "amount"},
		{name: "null required", raw: map[string]any{"amount": nil, "category": "gas"}, wantField: "amount"},
		{name: "wrong type", raw: map[string]any{"amount": "fifty", "category": "gas"}, wantField: "amount"},
		{name: "zero amount", raw: map[string]any{"amount": 0, "category": "gas"}, wantField: "amount"},
		{name: "enum", raw: map[string]any{"amount": 5, "category": "yachts"}, wantField: "category"},
		{name: "max length", raw: map[string]any{"amount": 5, "category": "gas", "note": strings.Repeat("x", 21)}, wantField: "note"},
		{name: "format date", raw: map[string]any{"amount": 5, "category": "gas", "date": "20/01/2026"}, wantField: "date"},
		{name: "integer", raw: map[string]any{"amount": 5, "category": "gas", "nights": 1.5}, wantField: "nights"},
		{name: "boolean", raw: map[string]any{"amount": 5, "category": "gas", "shared": "yes"}, wantField: "shared"},
		{name: "unknown field", raw: map[string]any{"amount": 5, "category": "gas", "zzz": 1, "aaa": 2}, wantField: "aaa"},
		{name: "first error wins", raw: map[string]any{"category": "yachts", "extra": true}, wantField: "amount"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			args, verr := s.Validate(tc.raw)
			if tc.wantField == "" {
				if verr != nil {
					t.Fatalf("Validate: unexpected failure %v", verr)
				}
				if args == nil {
					t.Fatal("Validate returned nil args")
				}
				return
			}
			if verr == nil {
				t.Fatalf("Validate(%v) = ok, want failure on %q", tc.raw, tc.wantField)
			}
			if verr.Field != tc.wantField {
				t.Errorf("Field = %q, want %q (reason %q)", verr.Field, tc.wantField, verr.Reason)
			}
			if verr.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestSchema_NormalizesNumbers(t *testing.T) {
	t.Parallel()

	s := expenseSchema(t)
	args, verr := s.Validate(map[string]any{"amount": json.Number("50"), "category": "gas", "nights": json.Number("3")})
	if verr != nil {
		t.Fatalf("Validate: %v", verr)
	}
	if got, ok := args.Float("amount"); !ok || got != 50 {
		t.Errorf("Float(amount) = %v, %v; want 50, true", got, ok)
	}
	if got, ok := args.Int("nights"); !ok || got != 3 {
		t.Errorf("Int(nights) = %v, %v; want 3, true", got, ok)
	}
	if args.Has("note") {
		t.Error("absent optional field present in args")
	}
}

func TestNewSchema_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields []Field
	}{
		{"no name", []Field{{Type: TypeString}}},
		{"duplicate", []Field{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeNumber}}},
		{"bad type", []Field{{Name: "a", Type: "object"}}},
		{"bad pattern", []Field{{Name: "a", Type: TypeString, Pattern: "("}}},
	}
	for _, tc := range tests {
		if _, err := NewSchema(tc.fields...); err == nil {
			t.Errorf("%s: NewSchema succeeded, want error", tc.name)
		}
	}
}

func TestSchema_JSONSchema(t *testing.T) {
	t.Parallel()

	js := expenseSchema(t).JSONSchema()
	if js["additionalProperties"] != false {
		t.Error("additionalProperties must be false")
	}
	req, _ := js["required"].([]string)
	if len(req) != 2 || req[0] != "amount" || req[1] != "category" {
		t.Errorf("required = %v, want [amount category]", req)
	}
	props, _ := js["properties"].(map[string]any)
	cat, _ := props["category"].(map[string]any)
	if cat["type"] != "string" {
		t.Errorf("category type = %v, want string", cat["type"])
	}
	if _, err := json.Marshal(js); err != nil {
		t.Errorf("JSONSchema not serialisable: %v", err)
	}
}

func TestSchema_SafetyChecked(t *testing.T) {
	t.Parallel()

	got := expenseSchema(t).SafetyChecked()
	if len(got) != 1 || got[0] != "note" {
		t.Errorf("SafetyChecked() = %v, want [note]", got)
	}
}
