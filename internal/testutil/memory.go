// Package testutil provides an in-process guest over a byte-slice linear
// memory, plus assertions shared by the host-side tests.
package testutil

import (
	"encoding/binary"
	"math"
	"sync"
)

// pageSize matches the WebAssembly page size.
const pageSize = 65536

// Memory is a growable byte-slice memory with a bump allocator. Address 0 is
// never handed out and every allocation is 4-byte aligned.
type Memory struct {
	mu   sync.Mutex
	buf  []byte
	next uint32
}

// NewMemory returns a memory of the given number of pages.
func NewMemory(pages uint32) *Memory {
	return &Memory{buf: make([]byte, pages*pageSize), next: 16}
}

// Size implements buffers.Memory.
func (m *Memory) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.buf)) //nolint:gosec // G115: test memories stay small
}

// Read implements buffers.Memory. The returned slice aliases the memory.
func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(offset)+uint64(byteCount) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount : offset+byteCount], true
}

// Write implements buffers.Memory.
func (m *Memory) Write(offset uint32, v []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// Grow adds pages to the memory. Existing contents are kept.
func (m *Memory) Grow(pages uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, make([]byte, pages*pageSize)...)
}

// Alloc reserves n bytes and returns their address. It grows the memory when
// needed.
func (m *Memory) Alloc(n uint32) uint32 {
	m.mu.Lock()
	addr := m.next
	m.next = (addr + n + 3) &^ 3
	short := uint64(m.next) > uint64(len(m.buf))
	m.mu.Unlock()
	if short {
		m.Grow((m.next-uint32(len(m.buf)))/pageSize + 1) //nolint:gosec // G115: test memories stay small
	}
	return addr
}

// Uint32s reads n little-endian u32 values at addr.
func (m *Memory) Uint32s(addr, n uint32) []uint32 {
	raw, ok := m.Read(addr, n*4)
	if !ok {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out
}

// Float32s reads n little-endian f32 values at addr.
func (m *Memory) Float32s(addr, n uint32) []float32 {
	raw, ok := m.Read(addr, n*4)
	if !ok {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// PutFloat32 stores v at addr.
func (m *Memory) PutFloat32(addr uint32, v float32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	return m.Write(addr, b[:])
}

// PutFloat32s stores vs starting at addr.
func (m *Memory) PutFloat32s(addr uint32, vs []float32) bool {
	b := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return m.Write(addr, b)
}
