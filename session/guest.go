package session

import (
	"context"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// Guest is one instantiated guest module. Every method is a synchronous call
// into the sandbox; aici is the opaque handle returned by Create.
type Guest interface {
	Create(ctx context.Context) (aici uint32, err error)
	PromptBuffer(ctx context.Context, aici, size uint32) (uint32, error)
	LogitBiasBuffer(ctx context.Context, aici, size uint32) (uint32, error)
	MaskBuffer(ctx context.Context, aici, size uint32) (uint32, error)
	ProcessPrompt(ctx context.Context, aici uint32) error
	AppendToken(ctx context.Context, aici, tok uint32) error
	// Free releases the guest side of aici. Guests without a free export
	// return nil.
	Free(ctx context.Context, aici uint32) error
	Memory() buffers.Memory
}
