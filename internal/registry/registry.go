package registry

import (
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Lookup when no spec matches the given name.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no server registered for %q", e.Name)
}

// Registry is a name/alias -> Spec lookup table. Safe for concurrent
// reads; Register is meant to be called only during setup, before the
// registry is handed to the mux.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Spec
	ordered []*Spec
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*Spec)}
}

// Register adds spec under its canonical name and all aliases. It
// returns an error if any of those names is already taken.
func (r *Registry) Register(spec *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range spec.AllNames() {
		if _, exists := r.byName[name]; exists {
			return fmt.Errorf("registry: name %q already registered", name)
		}
	}
	for _, name := range spec.AllNames() {
		r.byName[name] = spec
	}
	r.ordered = append(r.ordered, spec)
	return nil
}

// Lookup resolves name (canonical or alias) to its spec.
func (r *Registry) Lookup(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.byName[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	return spec, nil
}

// All returns every distinct registered spec, ordered by canonical
// name, for help/listing output.
func (r *Registry) All() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Spec, len(r.ordered))
	copy(out, r.ordered)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
