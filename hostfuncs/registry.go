package hostfuncs

import (
	"context"
	"fmt"
	"sort"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// HandlerRegistry is an immutable collection of named host functions.
// Once created via NewRegistry, functions cannot be added or removed, so
// lookups need no locking.
type HandlerRegistry struct {
	funcs map[string]Func
	names []string // sorted for consistent iteration
}

// registryBuilder accumulates configuration during registry construction.
type registryBuilder struct {
	funcs      map[string]Func
	middleware []Middleware
	errors     []error
}

// RegistryOption is a functional option for configuring a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// NewRegistry creates an immutable HandlerRegistry with the given options.
// Returns an error if any function name is registered twice.
//
// Example usage:
//
//	registry, err := NewRegistry(
//	    WithMiddleware(PanicRecoveryMiddleware()),
//	    WithBundle(AICIBundle()),
//	)
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{
		funcs: make(map[string]Func),
	}

	for _, opt := range opts {
		opt(b)
	}

	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	names := make([]string, 0, len(b.funcs))
	for name := range b.funcs {
		names = append(names, name)
	}
	sort.Strings(names)

	// first middleware wraps outermost
	wrapped := make(map[string]Func, len(b.funcs))
	for name, f := range b.funcs {
		fn := f.Fn
		for i := len(b.middleware) - 1; i >= 0; i-- {
			fn = b.middleware[i](fn)
		}
		f.Fn = fn
		wrapped[name] = f
	}

	return &HandlerRegistry{
		funcs: wrapped,
		names: names,
	}, nil
}

// Invoke dispatches a host function call by name. Unknown names and argument
// count mismatches return 0.
func (r *HandlerRegistry) Invoke(ctx context.Context, name string, mem buffers.Memory, args []uint32) uint32 {
	f, ok := r.funcs[name]
	if !ok {
		return 0
	}
	return f.Call(WithFunctionName(ctx, name), mem, args)
}

// Func returns the registered function, middleware applied.
func (r *HandlerRegistry) Func(name string) (Func, bool) {
	f, ok := r.funcs[name]
	return f, ok
}

// Has returns true if a function with the given name is registered.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Names returns a sorted list of all registered function names.
func (r *HandlerRegistry) Names() []string {
	result := make([]string, len(r.names))
	copy(result, r.names)
	return result
}

func (b *registryBuilder) addFunc(f Func) error {
	if f.Name == "" {
		return fmt.Errorf("host function name cannot be empty")
	}
	if f.Fn == nil {
		return fmt.Errorf("host function %q has no implementation", f.Name)
	}
	if f.Params < 0 || f.Results < 0 || f.Results > 1 {
		return fmt.Errorf("host function %q: unsupported signature (%d params, %d results)", f.Name, f.Params, f.Results)
	}
	if _, exists := b.funcs[f.Name]; exists {
		return fmt.Errorf("duplicate host function name: %q", f.Name)
	}
	b.funcs[f.Name] = f
	return nil
}

// WithMiddleware adds middleware to the registry.
// Middleware executes in FIFO order (first added wraps first).
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}
