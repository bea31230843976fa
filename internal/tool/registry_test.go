package tool

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func noop(context.Context, Call) (any, error) { return "ok", nil }

func def(name string, auth Authorization, fields ...Field) Definition {
	return Definition{
		Name:          name,
		Description:   name + " tool",
		Schema:        MustSchema(fields...),
		Authorization: auth,
		Handler:       noop,
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(def("create_expense", SelfOnly, Field{Name: "amount", Type: TypeNumber, Required: true})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("create_expense")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Authorization != SelfOnly {
		t.Errorf("Authorization = %q, want %q", got.Authorization, SelfOnly)
	}
	if got.Source != "builtin" {
		t.Errorf("Source = %q, want builtin", got.Source)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(def("current_time", PublicRead))
	err := r.Register(def("current_time", PublicRead))
	var dup *DuplicateToolError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want *DuplicateToolError", err)
	}
	if dup.Name != "current_time" {
		t.Errorf("Name = %q, want current_time", dup.Name)
	}
}

func TestRegistry_InvalidDefinitions(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	bad := []Definition{
		{Name: "has space", Schema: MustSchema(), Authorization: PublicRead, Handler: noop},
		{Name: "no_schema", Authorization: PublicRead, Handler: noop},
		{Name: "no_auth", Schema: MustSchema(), Handler: noop},
		{Name: "no_handler", Schema: MustSchema(), Authorization: PublicRead},
	}
	for _, d := range bad {
		if err := r.Register(d); err == nil {
			t.Errorf("Register(%q) succeeded, want error", d.Name)
		}
	}
}

func TestRegistry_SealedRejectsRegister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Seal()
	if err := r.Register(def("late", PublicRead)); !errors.Is(err, ErrSealed) {
		t.Fatalf("err = %v, want ErrSealed", err)
	}
}

func TestRegistry_ExportCachedAndSeals(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(def("a_tool", PublicRead))
	_ = r.Register(def("b_tool", AdminOnly))

	first := r.Export()
	second := r.Export()
	if len(first) != 2 || first[0].Name != "a_tool" || first[1].Name != "b_tool" {
		t.Fatalf("Export() = %+v, want [a_tool b_tool]", first)
	}
	if &first[0] != &second[0] {
		t.Error("Export rebuilt the schema list, want cached slice")
	}
	if !r.Sealed() {
		t.Error("Export did not seal the registry")
	}
	if err := r.Register(def("c_tool", PublicRead)); !errors.Is(err, ErrSealed) {
		t.Errorf("Register after Export err = %v, want ErrSealed", err)
	}
}

func TestRegistry_ConcurrentReadsAfterSeal(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(def("a_tool", PublicRead))
	r.Seal()

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get("a_tool"); err != nil {
				t.Errorf("Get: %v", err)
			}
			_ = r.Export()
		}()
	}
	wg.Wait()
}

// Every registered tool's schema rejects an argument object that is missing a
// required field or carries an unknown one.
func TestRegistry_AllSchemasClosed(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(def("create_expense", SelfOnly,
		Field{Name: "amount", Type: TypeNumber, Required: true},
		Field{Name: "category", Type: TypeString, Required: true},
	))
	_ = r.Register(def("current_time", PublicRead, Field{Name: "zone", Type: TypeString}))

	for _, name := range r.Names() {
		d, _ := r.Get(name)
		valid := map[string]any{}
		for _, f := range d.Schema.Fields() {
			if f.Required {
				switch f.Type {
				case TypeNumber:
					valid[f.Name] = 1.0
				default:
					valid[f.Name] = "x"
				}
			}
		}
		if _, verr := d.Schema.Validate(valid); verr != nil {
			t.Fatalf("%s: baseline rejected: %v", name, verr)
		}

		withUnknown := map[string]any{"__unknown__": 1}
		for k, v := range valid {
			withUnknown[k] = v
		}
		if _, verr := d.Schema.Validate(withUnknown); verr == nil {
			t.Errorf("%s: unknown field accepted", name)
		}

		for _, f := range d.Schema.Fields() {
			if !f.Required {
				continue
			}
			missing := map[string]any{}
			for k, v := range valid {
				if k != f.Name {
					missing[k] = v
				}
			}
			if _, verr := d.Schema.Validate(missing); verr == nil || verr.Field != f.Name {
				t.Errorf("%s: missing %q not rejected (got %v)", name, f.Name, verr)
			}
		}
	}
}

func TestRegistry_CheckCompleteness(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_ = r.Register(def("create_expense", SelfOnly))
	_ = r.Register(def("stray", PublicRead))
	mcp := def("weather", PublicRead)
	mcp.Source = "mcp:weather"
	_ = r.Register(mcp)

	err := r.CheckCompleteness(
		[]string{"create_expense", "plan_route", "post_to_feed", "forgotten"},
		[]string{"plan_route", "post_to_feed", "ghost"},
	)
	if err == nil {
		t.Fatal("CheckCompleteness = nil, want violations")
	}
	var names []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var me *ManifestError
		if errors.As(e, &me) {
			names = append(names, me.Name)
		}
	}
	want := map[string]bool{"forgotten": true, "ghost": true, "stray": true}
	if len(names) != len(want) {
		t.Fatalf("violations = %v, want %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected violation for %q", n)
		}
	}

	ok := NewRegistry()
	_ = ok.Register(def("create_expense", SelfOnly))
	if err := ok.CheckCompleteness([]string{"create_expense", "plan_route"}, []string{"plan_route"}); err != nil {
		t.Errorf("CheckCompleteness = %v, want nil", err)
	}
}
