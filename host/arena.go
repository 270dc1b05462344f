package host

import (
	"fmt"
	"sync"
)

// Handle identifies a live session. A handle whose slot was reused no longer
// resolves.
type Handle struct {
	Index uint32
	Gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index, h.Gen)
}

// arena is a generation-checked slot table.
type arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

type slot[T any] struct {
	val  T
	gen  uint32
	used bool
}

func (a *arena[T]) insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1) //nolint:gosec // G115: session counts stay far below 2^32
	}
	s := &a.slots[idx]
	s.gen++
	s.val = v
	s.used = true
	a.live++
	return Handle{Index: idx, Gen: s.gen}
}

func (a *arena[T]) set(h Handle, v T) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slot(h)
	if ok {
		s.val = v
	}
	return ok
}

func (a *arena[T]) get(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slot(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) remove(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	s, ok := a.slot(h)
	if !ok {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.used = false
	a.free = append(a.free, h.Index)
	a.live--
	return v, true
}

func (a *arena[T]) handles() []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Handle, 0, a.live)
	for i, s := range a.slots {
		if s.used {
			out = append(out, Handle{Index: uint32(i), Gen: s.gen}) //nolint:gosec // G115: bounded by slot count
		}
	}
	return out
}

func (a *arena[T]) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *arena[T]) slot(h Handle) (*slot[T], bool) {
	if int(h.Index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.Index]
	if !s.used || s.gen != h.Gen {
		return nil, false
	}
	return s, true
}
