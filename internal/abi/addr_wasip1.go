//go:build wasip1

package abi

import "unsafe"

// Addr returns the linear memory address of the first element of s, or 0
// for an empty slice.
func Addr[T any](s []T) uint32 {
	if len(s) == 0 {
		return 0
	}
	// WASM linear memory: pointer to uint32 offset conversion is exact
	//nolint:gosec // G103: Valid unsafe.Pointer use for WASM linear memory access
	return uint32(uintptr(unsafe.Pointer(&s[0])))
}

// BytesAddr is Addr for byte slices, which the host functions take.
func BytesAddr(s []byte) uint32 {
	return Addr(s)
}
