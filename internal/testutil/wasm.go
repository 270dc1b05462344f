package testutil

import (
	"encoding/binary"
	"math"
	"strings"
)

// Value types for ImportSig.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// WasmModule assembles small WebAssembly binaries for runtime tests.
// Signatures use i32 values unless declared with ImportSig.
type WasmModule struct {
	types    []funcType
	imports  []wasmImport
	funcs    []wasmFunc
	data     []wasmData
	memPages uint32
	memory   bool
}

type funcType struct {
	params, results string
}

type wasmImport struct {
	module, name string
	typ          uint32
}

type wasmFunc struct {
	export string
	body   []byte
	typ    uint32
}

type wasmData struct {
	bytes  []byte
	offset uint32
}

// Import declares an imported function and returns its function index. All
// imports must be declared before the first Func.
func (m *WasmModule) Import(module, name string, params, results int) uint32 {
	m.imports = append(m.imports, wasmImport{module: module, name: name, typ: m.typeOf(params, results)})
	return uint32(len(m.imports) - 1) //nolint:gosec // G115: test modules are tiny
}

// ImportSig is Import with explicit value types.
func (m *WasmModule) ImportSig(module, name string, params, results []byte) uint32 {
	typ := m.sig(funcType{params: string(params), results: string(results)})
	m.imports = append(m.imports, wasmImport{module: module, name: name, typ: typ})
	return uint32(len(m.imports) - 1) //nolint:gosec // G115: test modules are tiny
}

// Func adds a function and exports it as name unless name is empty. body is
// the instruction sequence without the trailing end opcode.
func (m *WasmModule) Func(name string, params, results int, body ...[]byte) uint32 {
	var code []byte
	for _, b := range body {
		code = append(code, b...)
	}
	m.funcs = append(m.funcs, wasmFunc{export: name, body: code, typ: m.typeOf(params, results)})
	return uint32(len(m.imports) + len(m.funcs) - 1) //nolint:gosec // G115: test modules are tiny
}

// Memory declares a memory of pages pages, exported as "memory".
func (m *WasmModule) Memory(pages uint32) {
	m.memory = true
	m.memPages = pages
}

// Data places b at offset in the memory.
func (m *WasmModule) Data(offset uint32, b []byte) {
	m.data = append(m.data, wasmData{offset: offset, bytes: b})
}

// Bytes encodes the module.
func (m *WasmModule) Bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = uleb(types, uint64(len(m.types)))
	for _, t := range m.types {
		types = append(types, 0x60)
		types = appendTypes(types, t.params)
		types = appendTypes(types, t.results)
	}
	out = section(out, 1, types)

	if len(m.imports) > 0 {
		var imps []byte
		imps = uleb(imps, uint64(len(m.imports)))
		for _, imp := range m.imports {
			imps = name(imps, imp.module)
			imps = name(imps, imp.name)
			imps = append(imps, 0x00)
			imps = uleb(imps, uint64(imp.typ))
		}
		out = section(out, 2, imps)
	}

	var fns []byte
	fns = uleb(fns, uint64(len(m.funcs)))
	for _, f := range m.funcs {
		fns = uleb(fns, uint64(f.typ))
	}
	out = section(out, 3, fns)

	if m.memory {
		mem := []byte{0x01, 0x00}
		mem = uleb(mem, uint64(m.memPages))
		out = section(out, 5, mem)
	}

	var exps []byte
	count := 0
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		count++
		exps = name(exps, f.export)
		exps = append(exps, 0x00)
		exps = uleb(exps, uint64(len(m.imports)+i))
	}
	if m.memory {
		count++
		exps = name(exps, "memory")
		exps = append(exps, 0x02, 0x00)
	}
	out = section(out, 7, append(uleb(nil, uint64(count)), exps...))

	var code []byte
	code = uleb(code, uint64(len(m.funcs)))
	for _, f := range m.funcs {
		body := append([]byte{0x00}, f.body...) // no locals
		body = append(body, 0x0b)
		code = uleb(code, uint64(len(body)))
		code = append(code, body...)
	}
	out = section(out, 10, code)

	if len(m.data) > 0 {
		var data []byte
		data = uleb(data, uint64(len(m.data)))
		for _, d := range m.data {
			data = append(data, 0x00)
			data = append(data, I32Const(int32(d.offset))...) //nolint:gosec // G115: test offsets are small
			data = append(data, 0x0b)
			data = uleb(data, uint64(len(d.bytes)))
			data = append(data, d.bytes...)
		}
		out = section(out, 11, data)
	}
	return out
}

func (m *WasmModule) typeOf(params, results int) uint32 {
	return m.sig(funcType{
		params:  strings.Repeat(string(I32), params),
		results: strings.Repeat(string(I32), results),
	})
}

func (m *WasmModule) sig(ft funcType) uint32 {
	for i, t := range m.types {
		if t == ft {
			return uint32(i) //nolint:gosec // G115: test modules are tiny
		}
	}
	m.types = append(m.types, ft)
	return uint32(len(m.types) - 1) //nolint:gosec // G115: test modules are tiny
}

// I32Const pushes v.
func I32Const(v int32) []byte {
	return sleb([]byte{0x41}, int64(v))
}

// I64Const pushes v.
func I64Const(v int64) []byte {
	return sleb([]byte{0x42}, v)
}

// F32Const pushes v.
func F32Const(v float32) []byte {
	b := []byte{0x43, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], math.Float32bits(v))
	return b
}

// LocalGet pushes parameter i.
func LocalGet(i uint32) []byte {
	return uleb([]byte{0x20}, uint64(i))
}

// Call calls function idx.
func Call(idx uint32) []byte {
	return uleb([]byte{0x10}, uint64(idx))
}

// F32Store pops a value and an address and stores the value at address+offset.
func F32Store(offset uint32) []byte {
	return uleb([]byte{0x38, 0x02}, uint64(offset))
}

// I32Store pops a value and an address and stores the value at address+offset.
func I32Store(offset uint32) []byte {
	return uleb([]byte{0x36, 0x02}, uint64(offset))
}

// Drop discards the top of the stack.
func Drop() []byte { return []byte{0x1a} }

// Unreachable traps.
func Unreachable() []byte { return []byte{0x00} }

// I32Add adds the two values on top of the stack.
func I32Add() []byte { return []byte{0x6a} }

// I32Shl shifts left.
func I32Shl() []byte { return []byte{0x74} }

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = uleb(out, uint64(len(content)))
	return append(out, content...)
}

func name(out []byte, s string) []byte {
	out = uleb(out, uint64(len(s)))
	return append(out, s...)
}

func appendTypes(out []byte, types string) []byte {
	out = uleb(out, uint64(len(types)))
	return append(out, types...)
}

func uleb(out []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// I32Load pops an address and pushes the i32 at address+offset.
func I32Load(offset uint32) []byte {
	return uleb([]byte{0x28, 0x02}, uint64(offset))
}
