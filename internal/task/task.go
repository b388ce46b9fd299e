package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Variadic marks a descriptor that accepts any number of trailing arguments.
const Variadic = -1

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,127}$`)

var (
	// ErrUnknownKind is returned when an identifier is not registered.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrArity is returned when the argument count does not fit a descriptor.
	ErrArity = errors.New("argument count does not match task kind")
)

// Handler is the entry point of a task kind.
type Handler func(ctx context.Context, args Args) (any, error)

// Descriptor describes one invocable task kind.
type Descriptor struct {
	Name    string
	MinArgs int
	MaxArgs int // Variadic for no upper bound
	Handler Handler
}

// Accepts reports whether argc fits the descriptor's argument shape.
func (d *Descriptor) Accepts(argc int) bool {
	if argc < d.MinArgs {
		return false
	}
	return d.MaxArgs == Variadic || argc <= d.MaxArgs
}

func (d *Descriptor) validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid task name %q", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("task %q: handler is nil", d.Name)
	}
	if d.MinArgs < 0 {
		return fmt.Errorf("task %q: min_args must not be negative", d.Name)
	}
	if d.MaxArgs != Variadic && d.MaxArgs < d.MinArgs {
		return fmt.Errorf("task %q: max_args %d is below min_args %d", d.Name, d.MaxArgs, d.MinArgs)
	}
	return nil
}

// Args holds positional arguments exactly as they arrived on the wire.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Registry maps task identifiers to descriptors.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Descriptor
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]*Descriptor),
	}
}

// Register adds a task kind. Names must be unique.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[d.Name]; exists {
		return fmt.Errorf("task %q already registered", d.Name)
	}
	r.kinds[d.Name] = &d
	return nil
}

// MustRegister is like Register but panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup retrieves a descriptor by name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.kinds[name]
	return d, ok
}

// Resolve returns the descriptor for name if it accepts argc arguments.
func (r *Registry) Resolve(name string, argc int) (*Descriptor, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	if !d.Accepts(argc) {
		return nil, fmt.Errorf("%w: %q got %d", ErrArity, name, argc)
	}
	return d, nil
}

// Remove unregisters a task kind. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.kinds, name)
	r.mu.Unlock()
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
