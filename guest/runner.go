package guest

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/reglet-dev/aici-sdk/go/internal/abi"
)

var (
	ErrUnknownSession = errors.New("guest: unknown session")
	ErrNotReady       = errors.New("guest: session buffers not bound")
)

// Controller decides the logit bias and the attention mask of one session.
type Controller interface {
	// ProcessPrompt writes the bias for the first generated token.
	ProcessPrompt(seq *Sequence) error
	// AppendToken reacts to a sampled token and writes the next bias.
	AppendToken(seq *Sequence, tok uint32) error
}

// Factory creates the Controller of a new session from its argument.
type Factory func(h Host, arg []byte) (Controller, error)

// Sequence is the guest view of one session. Bias is cleared to zero before
// every controller call.
type Sequence struct {
	// Prompt is the prompt written by the host.
	Prompt []uint32
	// Tokens holds the appended tokens.
	Tokens []uint32
	// Bias is the logit bias buffer the host reads.
	Bias []float32

	mask []float32
}

// Pos returns the number of positions: prompt plus appended tokens.
func (s *Sequence) Pos() uint32 {
	return uint32(len(s.Prompt) + len(s.Tokens)) //nolint:gosec // G115: bounded by the mask length
}

// SetMask sets the mask value of the last appended token. It has no effect
// before the first append.
func (s *Sequence) SetMask(v float32) {
	if len(s.Tokens) == 0 {
		return
	}
	if i := s.Pos() - 1; int(i) < len(s.mask) {
		s.mask[i] = v
	}
}

// Mask returns the mask value at pos.
func (s *Sequence) Mask(pos uint32) float32 {
	if int(pos) >= len(s.mask) {
		return 0
	}
	return s.mask[pos]
}

// Allow bans every token except ids.
func (s *Sequence) Allow(ids ...uint32) {
	for i := range s.Bias {
		s.Bias[i] = float32(math.Inf(-1))
	}
	for _, id := range ids {
		if int(id) < len(s.Bias) {
			s.Bias[id] = 0
		}
	}
}

// Ban excludes ids from sampling.
func (s *Sequence) Ban(ids ...uint32) {
	for _, id := range ids {
		if int(id) < len(s.Bias) {
			s.Bias[id] = float32(math.Inf(-1))
		}
	}
}

type session struct {
	ctrl Controller
	seq  Sequence
}

// Runner implements the guest exports for any number of sessions.
type Runner struct {
	host    Host
	factory Factory
	bufs    *abi.Buffers

	mu       sync.Mutex
	next     uint32
	sessions map[uint32]*session
}

// NewRunner returns a Runner creating controllers with factory.
func NewRunner(h Host, factory Factory) *Runner {
	return &Runner{
		host:     h,
		factory:  factory,
		bufs:     abi.NewBuffers(abi.MaxTotalAllocations),
		sessions: make(map[uint32]*session),
	}
}

// Create starts a session and returns its handle. Handles start at 1.
func (r *Runner) Create() (uint32, error) {
	ctrl, err := r.factory(r.host, Arg(r.host))
	if err != nil {
		return 0, fmt.Errorf("guest: create controller: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.sessions[r.next] = &session{ctrl: ctrl}
	return r.next, nil
}

// PromptBuffer allocates the prompt buffer of size tokens.
func (r *Runner) PromptBuffer(aici, size uint32) ([]uint32, error) {
	s, err := r.session(aici)
	if err != nil {
		return nil, err
	}
	buf, err := r.bufs.Uint32s(aici, size)
	if err != nil {
		return nil, err
	}
	s.seq.Prompt = buf
	return buf, nil
}

// BiasBuffer allocates the logit bias buffer of size entries.
func (r *Runner) BiasBuffer(aici, size uint32) ([]float32, error) {
	s, err := r.session(aici)
	if err != nil {
		return nil, err
	}
	buf, err := r.bufs.Float32s(aici, size)
	if err != nil {
		return nil, err
	}
	s.seq.Bias = buf
	return buf, nil
}

// MaskBuffer allocates the dynamic attention mask of size positions.
func (r *Runner) MaskBuffer(aici, size uint32) ([]float32, error) {
	s, err := r.session(aici)
	if err != nil {
		return nil, err
	}
	buf, err := r.bufs.Float32s(aici, size)
	if err != nil {
		return nil, err
	}
	s.seq.mask = buf
	return buf, nil
}

// ProcessPrompt runs the controller on the prompt the host wrote.
func (r *Runner) ProcessPrompt(aici uint32) error {
	s, err := r.ready(aici)
	if err != nil {
		return err
	}
	clear(s.seq.Bias)
	return s.ctrl.ProcessPrompt(&s.seq)
}

// AppendToken records tok with a default mask of 1.0 and runs the controller.
func (r *Runner) AppendToken(aici, tok uint32) error {
	s, err := r.ready(aici)
	if err != nil {
		return err
	}
	pos := s.seq.Pos()
	if int(pos) >= len(s.seq.mask) {
		return fmt.Errorf("guest: mask of %d positions exhausted", len(s.seq.mask))
	}
	s.seq.mask[pos] = 1.0
	s.seq.Tokens = append(s.seq.Tokens, tok)
	clear(s.seq.Bias)
	return s.ctrl.AppendToken(&s.seq, tok)
}

// Free releases the session and its buffers.
func (r *Runner) Free(aici uint32) {
	r.mu.Lock()
	delete(r.sessions, aici)
	r.mu.Unlock()
	r.bufs.Release(aici)
}

// Sessions returns the number of live sessions.
func (r *Runner) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Runner) session(aici uint32) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[aici]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, aici)
	}
	return s, nil
}

func (r *Runner) ready(aici uint32) (*session, error) {
	s, err := r.session(aici)
	if err != nil {
		return nil, err
	}
	if s.seq.Bias == nil || s.seq.mask == nil {
		return nil, ErrNotReady
	}
	return s, nil
}
