package hostfuncs

import (
	"context"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// HostFunc implements one host export. args holds the raw i32 parameters in
// declaration order; the return value is the i32 result, ignored for
// functions declared without one.
type HostFunc func(ctx context.Context, mem buffers.Memory, args []uint32) uint32

// Func describes a host export.
type Func struct {
	Fn      HostFunc
	Name    string
	Params  int
	Results int
}

// Call invokes f after checking the argument count. A mismatch returns 0.
func (f Func) Call(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
	if len(args) != f.Params {
		return 0
	}
	return f.Fn(ctx, mem, args)
}
