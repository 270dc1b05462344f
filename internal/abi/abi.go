// Package abi manages the guest buffers handed to the host by address.
package abi

import (
	"fmt"
	"sync"
)

// MaxTotalAllocations is the maximum total memory the guest SDK hands out as
// session buffers. It keeps a misbehaving host from growing linear memory
// without bound.
const MaxTotalAllocations = 100 * 1024 * 1024 // 100 MB

// Buffers pins slices whose addresses the host holds. Pinned slices stay
// reachable until Release, so the collector never frees memory the host
// still writes to.
type Buffers struct {
	mu    sync.Mutex
	owned map[uint32]*pinned
	total int
	limit int
}

type pinned struct {
	slices []any
	size   int
}

// NewBuffers returns an empty pin set bounded by limit bytes.
func NewBuffers(limit int) *Buffers {
	return &Buffers{owned: make(map[uint32]*pinned), limit: limit}
}

// Uint32s allocates n elements for owner.
func (b *Buffers) Uint32s(owner, n uint32) ([]uint32, error) {
	return alloc[uint32](b, owner, n)
}

// Float32s allocates n elements for owner.
func (b *Buffers) Float32s(owner, n uint32) ([]float32, error) {
	return alloc[float32](b, owner, n)
}

// alloc checks the limit before allocating, then pins the slice.
func alloc[T uint32 | float32](b *Buffers, owner, n uint32) ([]T, error) {
	size := int(n) * 4
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total+size > b.limit {
		return nil, fmt.Errorf("abi: allocation limit exceeded (owner %d, requested: %d bytes, current: %d bytes, limit: %d bytes)",
			owner, size, b.total, b.limit)
	}
	s := make([]T, n)
	p, ok := b.owned[owner]
	if !ok {
		p = &pinned{}
		b.owned[owner] = p
	}
	p.slices = append(p.slices, s)
	p.size += size
	b.total += size
	return s, nil
}

// Release drops every buffer of owner.
func (b *Buffers) Release(owner uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.owned[owner]
	if !ok {
		return
	}
	delete(b.owned, owner)
	b.total -= p.size
}

// Total returns the bytes currently pinned.
func (b *Buffers) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
