package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// Call names recorded by Guest.
const (
	CallCreate        = "create"
	CallPromptBuffer  = "prompt_buffer"
	CallBiasBuffer    = "logit_bias_buffer"
	CallMaskBuffer    = "mask_buffer"
	CallProcessPrompt = "process_prompt"
	CallAppendToken   = "append_token"
	CallFree          = "free"
)

// Step is what a scripted guest sees on a processing call.
type Step struct {
	// Prompt is the prompt read back from guest memory.
	Prompt []uint32
	// Bias is the full logit bias buffer; the guest writes it in place.
	Bias []float32
	// Token is the appended token; unset on prompt processing.
	Token uint32
	// Pos is the sequence position of Token.
	Pos uint32
	// N counts processing calls, starting at 0 for the prompt.
	N int
}

// Guest is a scripted in-process guest. The zero value is not usable; call
// NewGuest.
//
// By default prompt processing fills the bias with 0 and every append fills
// it with float32(N); the mask at the appended position is set to MaskValue.
type Guest struct {
	// OnStep replaces the default bias script.
	OnStep func(Step)
	// Before runs at the start of every call.
	Before func(call string)
	// Fail makes the named call return the error.
	Fail map[string]error
	// Addr overrides the address returned by a buffer call.
	Addr map[string]uint32
	// MaskValue is written at each appended position.
	MaskValue float32
	// NoFree makes Free a no-op that is not recorded.
	NoFree bool

	mem *Memory

	mu      sync.Mutex
	calls   []string
	next    uint32
	regions map[uint32]*guestRegions
}

type guestRegions struct {
	prompt, bias, mask          uint32
	promptLen, biasLen, maskLen uint32
	steps                       int
	freed                       bool
}

// NewGuest returns a guest backed by a one-page memory.
func NewGuest() *Guest {
	return &Guest{
		mem:       NewMemory(1),
		MaskValue: 1,
		Fail:      map[string]error{},
		Addr:      map[string]uint32{},
		regions:   map[uint32]*guestRegions{},
	}
}

// Mem returns the concrete memory for inspection.
func (g *Guest) Mem() *Memory {
	return g.mem
}

// Memory implements session.Guest.
func (g *Guest) Memory() buffers.Memory {
	return g.mem
}

// Calls returns the recorded call log.
func (g *Guest) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// Freed reports whether Free was called for aici.
func (g *Guest) Freed(aici uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.regions[aici]
	return ok && r.freed
}

// Create implements session.Guest.
func (g *Guest) Create(context.Context) (uint32, error) {
	if err := g.enter(CallCreate); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	g.regions[g.next] = &guestRegions{}
	return g.next, nil
}

// PromptBuffer implements session.Guest.
func (g *Guest) PromptBuffer(_ context.Context, aici, size uint32) (uint32, error) {
	return g.buffer(CallPromptBuffer, aici, size, func(r *guestRegions, addr uint32) {
		r.prompt, r.promptLen = addr, size
	})
}

// LogitBiasBuffer implements session.Guest.
func (g *Guest) LogitBiasBuffer(_ context.Context, aici, size uint32) (uint32, error) {
	return g.buffer(CallBiasBuffer, aici, size, func(r *guestRegions, addr uint32) {
		r.bias, r.biasLen = addr, size
	})
}

// MaskBuffer implements session.Guest.
func (g *Guest) MaskBuffer(_ context.Context, aici, size uint32) (uint32, error) {
	return g.buffer(CallMaskBuffer, aici, size, func(r *guestRegions, addr uint32) {
		r.mask, r.maskLen = addr, size
	})
}

// ProcessPrompt implements session.Guest.
func (g *Guest) ProcessPrompt(_ context.Context, aici uint32) error {
	if err := g.enter(CallProcessPrompt); err != nil {
		return err
	}
	r, err := g.lookup(aici)
	if err != nil {
		return err
	}
	g.step(r, Step{Prompt: g.mem.Uint32s(r.prompt, r.promptLen), Pos: r.promptLen})
	return nil
}

// AppendToken implements session.Guest.
func (g *Guest) AppendToken(_ context.Context, aici, tok uint32) error {
	if err := g.enter(CallAppendToken); err != nil {
		return err
	}
	r, err := g.lookup(aici)
	if err != nil {
		return err
	}
	pos := r.promptLen + uint32(r.steps) - 1 //nolint:gosec // G115: test step counts stay small
	if pos < r.maskLen {
		g.mem.PutFloat32(r.mask+pos*4, g.MaskValue)
	}
	g.step(r, Step{Token: tok, Pos: pos})
	return nil
}

// Free implements session.Guest.
func (g *Guest) Free(_ context.Context, aici uint32) error {
	if g.NoFree {
		return nil
	}
	if err := g.enter(CallFree); err != nil {
		return err
	}
	r, err := g.lookup(aici)
	if err != nil {
		return err
	}
	g.mu.Lock()
	r.freed = true
	g.mu.Unlock()
	return nil
}

func (g *Guest) step(r *guestRegions, s Step) {
	s.N = r.steps
	s.Bias = make([]float32, r.biasLen)
	if g.OnStep != nil {
		g.OnStep(s)
	} else {
		for i := range s.Bias {
			s.Bias[i] = float32(s.N)
		}
	}
	g.mem.PutFloat32s(r.bias, s.Bias)
	r.steps++
}

func (g *Guest) buffer(call string, aici, size uint32, set func(*guestRegions, uint32)) (uint32, error) {
	if err := g.enter(call); err != nil {
		return 0, err
	}
	r, err := g.lookup(aici)
	if err != nil {
		return 0, err
	}
	addr, ok := g.Addr[call]
	if !ok {
		addr = g.mem.Alloc(size * 4)
	}
	set(r, addr)
	return addr, nil
}

func (g *Guest) enter(call string) error {
	if g.Before != nil {
		g.Before(call)
	}
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
	return g.Fail[call]
}

func (g *Guest) lookup(aici uint32) (*guestRegions, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.regions[aici]
	if !ok {
		return nil, fmt.Errorf("testutil: unknown session %d", aici)
	}
	return r, nil
}
