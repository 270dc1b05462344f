package buffers

// Memory is the part of a guest's linear memory the host touches.
// wazero's api.Memory satisfies it.
type Memory interface {
	// Size returns the current size in bytes. It never shrinks.
	Size() uint32
	// Read returns a view of byteCount bytes at offset, or false if out of range.
	Read(offset, byteCount uint32) ([]byte, bool)
	// Write copies v to offset, or returns false if out of range.
	Write(offset uint32, v []byte) bool
}

// Region is a validated guest allocation. Len counts elements, not bytes.
type Region struct {
	Kind Kind
	Addr uint32
	Len  uint32
}

// ByteLen returns the region size in bytes.
func (r Region) ByteLen() uint64 {
	return uint64(r.Len) * ElementSize
}

// End returns the first byte address past the region.
func (r Region) End() uint64 {
	return uint64(r.Addr) + r.ByteLen()
}

func (r Region) overlaps(o Region) bool {
	if r.Len == 0 || o.Len == 0 {
		return false
	}
	return uint64(r.Addr) < o.End() && uint64(o.Addr) < r.End()
}

// validate checks r against the memory it lives in.
func (r Region) validate(mem Memory) error {
	if r.Len == 0 {
		return nil
	}
	if r.Addr == 0 {
		return ErrNullRegion
	}
	if size := mem.Size(); r.End() > uint64(size) {
		return &BoundsError{Kind: r.Kind, Addr: r.Addr, ByteLen: r.ByteLen(), MemorySize: size}
	}
	return nil
}

// IsCanonicalMask reports whether v has a defined dynamic mask meaning
// (0.0 ignore, 1.0 attend). Other values are reserved.
func IsCanonicalMask(v float32) bool {
	return v == 0 || v == 1
}
