package hostfuncs

import (
	"context"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// HostFuncBundle is a pre-configured set of related host functions.
type HostFuncBundle interface {
	Funcs() []Func
}

type staticBundle struct {
	funcs []Func
}

func (b *staticBundle) Funcs() []Func {
	return b.funcs
}

// AICIBundle returns the four host exports every AICI guest imports:
// aici_host_print, aici_host_read_token_trie, aici_host_read_arg and
// aici_host_tokenize.
func AICIBundle() HostFuncBundle {
	return &staticBundle{
		funcs: []Func{
			{
				Name:   PrintName,
				Params: 2,
				Fn: func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
					Print(ctx, mem, args[0], args[1])
					return 0
				},
			},
			{
				Name:    ReadTokenTrieName,
				Params:  2,
				Results: 1,
				Fn: func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
					return ReadTokenTrie(ctx, mem, args[0], args[1])
				},
			},
			{
				Name:    ReadArgName,
				Params:  2,
				Results: 1,
				Fn: func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
					return ReadArg(ctx, mem, args[0], args[1])
				},
			},
			{
				Name:    TokenizeName,
				Params:  4,
				Results: 1,
				Fn: func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
					return Tokenize(ctx, mem, args[0], args[1], args[2], args[3])
				},
			},
		},
	}
}

// WithBundle registers all functions from a bundle.
func WithBundle(bundle HostFuncBundle) RegistryOption {
	return func(b *registryBuilder) {
		for _, f := range bundle.Funcs() {
			if err := b.addFunc(f); err != nil {
				b.errors = append(b.errors, err)
			}
		}
	}
}

// WithFunc registers a single host function.
func WithFunc(f Func) RegistryOption {
	return func(b *registryBuilder) {
		if err := b.addFunc(f); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}
