package buffers

import (
	"context"
	"fmt"
	"sync"
)

// AllocFunc asks the guest for a region of size elements and returns its address.
type AllocFunc func(ctx context.Context, size uint32) (uint32, error)

// Registry tracks the bindings of every live session, keyed by K.
// It is safe for concurrent use; each Bindings belongs to a single session
// and is used by one goroutine at a time.
type Registry[K comparable] struct {
	mu       sync.Mutex
	sessions map[K]*Bindings
}

// NewRegistry creates an empty Registry.
func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{sessions: make(map[K]*Bindings)}
}

// Open registers a session whose buffers live in mem.
func (r *Registry[K]) Open(key K, mem Memory) (*Bindings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[key]; exists {
		return nil, fmt.Errorf("%w: %v", ErrSessionExists, key)
	}
	b := &Bindings{mem: mem}
	r.sessions[key] = b
	return b, nil
}

// Get returns the bindings for key.
func (r *Registry[K]) Get(key K) (*Bindings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSession, key)
	}
	return b, nil
}

// Release forgets the session. The guest memory itself goes away with the
// guest instance.
func (r *Registry[K]) Release(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

// Len returns the number of registered sessions.
func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Bindings holds one session's regions.
type Bindings struct {
	mem     Memory
	regions [numKinds]Region
	bound   [numKinds]bool
}

// Bind requests the kind region from the guest through alloc and records it.
// Kinds must be bound in Prompt, LogitBias, DynamicMask order, each exactly
// once; violations are rejected before alloc is called.
func (b *Bindings) Bind(ctx context.Context, kind Kind, size uint32, alloc AllocFunc) (Region, error) {
	if kind >= numKinds {
		return Region{}, fmt.Errorf("buffers: unknown kind %d", kind)
	}
	if b.bound[kind] {
		return Region{}, fmt.Errorf("%w: %s", ErrAlreadyBound, kind)
	}
	if next := b.next(); kind != next {
		return Region{}, fmt.Errorf("%w: %s requested, %s expected", ErrOutOfOrder, kind, next)
	}

	addr, err := alloc(ctx, size)
	if err != nil {
		return Region{}, fmt.Errorf("allocating %s region: %w", kind, err)
	}

	r := Region{Kind: kind, Addr: addr, Len: size}
	if err := r.validate(b.mem); err != nil {
		return Region{}, err
	}
	for k := Kind(0); k < kind; k++ {
		if r.overlaps(b.regions[k]) {
			return Region{}, fmt.Errorf("%w: %s and %s", ErrOverlap, kind, k)
		}
	}

	b.regions[kind] = r
	b.bound[kind] = true
	return r, nil
}

// Region returns the recorded region for kind.
func (b *Bindings) Region(kind Kind) (Region, bool) {
	if kind >= numKinds || !b.bound[kind] {
		return Region{}, false
	}
	return b.regions[kind], true
}

// Complete reports whether all three regions are bound.
func (b *Bindings) Complete() bool {
	return b.next() == numKinds
}

// Tokens returns a view of the prompt region.
func (b *Bindings) Tokens() (TokenView, error) {
	r, ok := b.Region(Prompt)
	if !ok {
		return TokenView{}, fmt.Errorf("%w: %s", ErrNotBound, Prompt)
	}
	return TokenView{mem: b.mem, region: r}, nil
}

// Floats returns a view of the logit bias or dynamic mask region.
func (b *Bindings) Floats(kind Kind) (FloatView, error) {
	if kind == Prompt {
		return FloatView{}, fmt.Errorf("buffers: %s is not a float region", kind)
	}
	r, ok := b.Region(kind)
	if !ok {
		return FloatView{}, fmt.Errorf("%w: %s", ErrNotBound, kind)
	}
	return FloatView{mem: b.mem, region: r}, nil
}

func (b *Bindings) next() Kind {
	for k := Kind(0); k < numKinds; k++ {
		if !b.bound[k] {
			return k
		}
	}
	return numKinds
}
