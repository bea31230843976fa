package tool

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

// Registry holds the canonical tool set.
//
// Registration happens during startup. [Registry.Seal] (called implicitly by
// the first [Registry.Export]) freezes the set; afterwards lookups read the
// map without locking.
type Registry struct {
	mu     sync.Mutex
	tools  map[string]*Definition
	order  []string
	sealed atomic.Bool

	exportOnce sync.Once
	export     []llm.ToolDefinition
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register adds def. It fails with *DuplicateToolError when the name is
// taken and with ErrSealed after the registry has been sealed.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("register %q: %w", def.Name, ErrSealed)
	}
	if _, ok := r.tools[def.Name]; ok {
		return &DuplicateToolError{Name: def.Name}
	}
	if def.Source == "" {
		def.Source = "builtin"
	}
	r.tools[def.Name] = &def
	r.order = append(r.order, def.Name)
	return nil
}

// Seal ends the registration phase. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Get returns the named definition or an error wrapping ErrNotFound.
func (r *Registry) Get(name string) (*Definition, error) {
	var (
		def *Definition
		ok  bool
	)
	if r.sealed.Load() {
		def, ok = r.tools[name]
	} else {
		r.mu.Lock()
		def, ok = r.tools[name]
		r.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return def, nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	if r.sealed.Load() {
		return slices.Clone(r.order)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.Names())
}

// Export returns the function-calling schema of every tool in registration
// order. The list is built once, on first call, which also seals the
// registry. Callers must not modify the returned slice.
func (r *Registry) Export() []llm.ToolDefinition {
	r.exportOnce.Do(func() {
		r.Seal()
		out := make([]llm.ToolDefinition, 0, len(r.order))
		for _, name := range r.order {
			def := r.tools[name]
			out = append(out, llm.ToolDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema.JSONSchema(),
			})
		}
		r.export = out
	})
	return r.export
}

// ManifestError describes one completeness-check violation.
type ManifestError struct {
	Name   string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("tool manifest: %q %s", e.Name, e.Reason)
}

// CheckCompleteness verifies that every discovered tool name is either
// registered or explicitly deferred, that no deferred name is also
// registered, and that nothing is registered without being discovered.
// All violations are joined into one error.
func (r *Registry) CheckCompleteness(discovered, deferred []string) error {
	registered := make(map[string]bool)
	for _, n := range r.Names() {
		registered[n] = true
	}
	known := make(map[string]bool, len(discovered))
	for _, n := range discovered {
		known[n] = true
	}
	isDeferred := make(map[string]bool, len(deferred))
	for _, n := range deferred {
		isDeferred[n] = true
	}

	var errs []error
	for _, n := range discovered {
		switch {
		case registered[n] && isDeferred[n]:
			errs = append(errs, &ManifestError{Name: n, Reason: "is both registered and deferred"})
		case !registered[n] && !isDeferred[n]:
			errs = append(errs, &ManifestError{Name: n, Reason: "is neither registered nor deferred"})
		}
	}
	for _, n := range deferred {
		if !known[n] {
			errs = append(errs, &ManifestError{Name: n, Reason: "is deferred but not declared"})
		}
	}
	for _, n := range r.Names() {
		if !known[n] {
			def, _ := r.Get(n)
			if def != nil && def.Source != "builtin" {
				continue
			}
			errs = append(errs, &ManifestError{Name: n, Reason: "is registered but not declared"})
		}
	}
	return errors.Join(errs...)
}
