package buffers

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TokenView is a bounds-checked view of the prompt region.
type TokenView struct {
	mem    Memory
	region Region
}

// Len returns the capacity in tokens.
func (v TokenView) Len() uint32 {
	return v.region.Len
}

// Write stores tokens, which must fill the region exactly.
func (v TokenView) Write(tokens []uint32) error {
	if uint64(len(tokens)) != uint64(v.region.Len) {
		return fmt.Errorf("buffers: prompt has %d tokens, region holds %d", len(tokens), v.region.Len)
	}
	if len(tokens) == 0 {
		return nil
	}
	buf := make([]byte, len(tokens)*ElementSize)
	for i, tok := range tokens {
		binary.LittleEndian.PutUint32(buf[i*ElementSize:], tok)
	}
	if !v.mem.Write(v.region.Addr, buf) {
		return v.boundsError(0, v.region.Len)
	}
	return nil
}

// Read returns a copy of the region contents.
func (v TokenView) Read() ([]uint32, error) {
	raw, err := read(v.mem, v.region, 0, v.region.Len)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, v.region.Len)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*ElementSize:])
	}
	return out, nil
}

func (v TokenView) boundsError(start, end uint32) error {
	return rangeError(v.mem, v.region, start, end)
}

// FloatView is a bounds-checked view of a logit bias or dynamic mask region.
type FloatView struct {
	mem    Memory
	region Region
}

// Len returns the capacity in floats.
func (v FloatView) Len() uint32 {
	return v.region.Len
}

// ReadRange copies elements [start, end) into dst, which must hold end-start values.
func (v FloatView) ReadRange(start, end uint32, dst []float32) error {
	if start > end || end > v.region.Len {
		return fmt.Errorf("buffers: range [%d, %d) outside %s region of %d", start, end, v.region.Kind, v.region.Len)
	}
	n := end - start
	if uint64(len(dst)) < uint64(n) {
		return fmt.Errorf("buffers: destination holds %d values, need %d", len(dst), n)
	}
	raw, err := read(v.mem, v.region, start, end)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*ElementSize:]))
	}
	return nil
}

// ReadAll returns a copy of the whole region.
func (v FloatView) ReadAll() ([]float32, error) {
	out := make([]float32, v.region.Len)
	if err := v.ReadRange(0, v.region.Len, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fill sets elements [start, end) to val.
func (v FloatView) Fill(start, end uint32, val float32) error {
	if start > end || end > v.region.Len {
		return fmt.Errorf("buffers: range [%d, %d) outside %s region of %d", start, end, v.region.Kind, v.region.Len)
	}
	if start == end {
		return nil
	}
	buf := make([]byte, (end-start)*ElementSize)
	bits := math.Float32bits(val)
	for i := 0; i < len(buf); i += ElementSize {
		binary.LittleEndian.PutUint32(buf[i:], bits)
	}
	if !v.mem.Write(v.region.Addr+start*ElementSize, buf) {
		return rangeError(v.mem, v.region, start, end)
	}
	return nil
}

// Set stores val at index i.
func (v FloatView) Set(i uint32, val float32) error {
	if i >= v.region.Len {
		return fmt.Errorf("buffers: index %d outside %s region of %d", i, v.region.Kind, v.region.Len)
	}
	return v.Fill(i, i+1, val)
}

func read(mem Memory, r Region, start, end uint32) ([]byte, error) {
	if start == end {
		return nil, nil
	}
	raw, ok := mem.Read(r.Addr+start*ElementSize, (end-start)*ElementSize)
	if !ok {
		return nil, rangeError(mem, r, start, end)
	}
	return raw, nil
}

func rangeError(mem Memory, r Region, start, end uint32) error {
	return &BoundsError{
		Kind:       r.Kind,
		Addr:       r.Addr + start*ElementSize,
		ByteLen:    uint64(end-start) * ElementSize,
		MemorySize: mem.Size(),
	}
}
