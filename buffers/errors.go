package buffers

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyBound   = errors.New("buffers: region already bound")
	ErrOutOfOrder     = errors.New("buffers: region bound out of order")
	ErrNullRegion     = errors.New("buffers: guest returned a null address for a non-empty region")
	ErrOverlap        = errors.New("buffers: regions overlap")
	ErrNotBound       = errors.New("buffers: region not bound")
	ErrSessionExists  = errors.New("buffers: session already registered")
	ErrUnknownSession = errors.New("buffers: unknown session")
)

// BoundsError reports a region or access that falls outside guest memory.
type BoundsError struct {
	Kind       Kind
	Addr       uint32
	ByteLen    uint64
	MemorySize uint32
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("buffers: %s region [%#x, +%d) exceeds guest memory of %d bytes",
		e.Kind, e.Addr, e.ByteLen, e.MemorySize)
}
