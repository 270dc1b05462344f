// Package session drives one generation's call sequence against a guest.
//
// A Session enforces the protocol order, so out-of-order calls are rejected
// before they reach the guest, and it guards the logit bias buffer so each
// processing step yields at most one defined read.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// Session is one generation request's state. Guest calls are serialized:
// a call issued while another is in flight fails with ErrBusy. Close waits
// for the in-flight call, since guest calls are never interrupted.
type Session struct {
	mu       sync.Mutex
	guest    Guest
	bindings *buffers.Bindings
	observer Observer
	logger   *slog.Logger
	failed   error
	cfg      Config
	aici     uint32
	appended uint32
	state    State
	fresh    bool // bias written by the last call and not yet read
}

// New validates cfg and asks the guest for a fresh session handle.
func New(ctx context.Context, guest Guest, bindings *buffers.Bindings, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		guest:    guest,
		bindings: bindings,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.Prompt = append([]uint32(nil), cfg.Prompt...)

	err := s.call(OpCreate, 0, func() error {
		aici, err := guest.Create(ctx)
		s.aici = aici
		return err
	})
	if err != nil {
		return nil, &GuestError{Op: OpCreate, Err: err}
	}
	s.state = Created
	return s, nil
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the guest's opaque session handle.
func (s *Session) Handle() uint32 {
	return s.aici
}

// Config returns the session sizes.
func (s *Session) Config() Config {
	return s.cfg
}

// Position returns the number of sequence positions: prompt plus appended tokens.
func (s *Session) Position() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

// BindBuffers asks the guest for the prompt, logit bias and dynamic mask
// buffers, in that order, then writes the default mask of 1.0 over the
// prompt positions. On error the session cannot continue and must be closed.
func (s *Session) BindBuffers(ctx context.Context) error {
	if err := s.begin(OpBindPrompt, Created); err != nil {
		return err
	}
	defer s.mu.Unlock()

	binds := []struct {
		op    Op
		kind  buffers.Kind
		size  uint32
		alloc func(context.Context, uint32, uint32) (uint32, error)
	}{
		{OpBindPrompt, buffers.Prompt, uint32(len(s.cfg.Prompt)), s.guest.PromptBuffer}, //nolint:gosec // G115: bounded by MaxTokens
		{OpBindBias, buffers.LogitBias, s.cfg.VocabSize, s.guest.LogitBiasBuffer},
		{OpBindMask, buffers.DynamicMask, s.cfg.MaxTokens, s.guest.MaskBuffer},
	}
	for _, b := range binds {
		err := s.call(b.op, 0, func() error {
			_, err := s.bindings.Bind(ctx, b.kind, b.size, func(ctx context.Context, size uint32) (uint32, error) {
				return b.alloc(ctx, s.aici, size)
			})
			return err
		})
		if err != nil {
			return s.fail(b.op, err)
		}
	}

	mask, err := s.bindings.Floats(buffers.DynamicMask)
	if err != nil {
		return s.fail(OpBindMask, err)
	}
	if err := mask.Fill(0, uint32(len(s.cfg.Prompt)), 1.0); err != nil { //nolint:gosec // G115: bounded by MaxTokens
		return s.fail(OpBindMask, err)
	}

	s.state = BuffersBound
	return nil
}

// ProcessPrompt writes the prompt into the guest's buffer and runs prompt
// processing. It is allowed exactly once, after BindBuffers.
func (s *Session) ProcessPrompt(ctx context.Context) error {
	if err := s.begin(OpProcessPrompt, BuffersBound); err != nil {
		return err
	}
	defer s.mu.Unlock()

	tokens, err := s.bindings.Tokens()
	if err != nil {
		return s.fail(OpProcessPrompt, err)
	}
	if err := tokens.Write(s.cfg.Prompt); err != nil {
		return s.fail(OpProcessPrompt, err)
	}

	s.fresh = false
	if err := s.call(OpProcessPrompt, 0, func() error { return s.guest.ProcessPrompt(ctx, s.aici) }); err != nil {
		return s.fail(OpProcessPrompt, err)
	}
	s.state = PromptProcessed
	s.fresh = true
	return nil
}

// AppendToken hands a sampled token to the guest, which rewrites the logit
// bias and may define the mask at the token's position.
func (s *Session) AppendToken(ctx context.Context, tok uint32) error {
	if err := s.begin(OpAppendToken, PromptProcessed, TokenAppended); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if tok >= s.cfg.VocabSize {
		return fmt.Errorf("%w: %d >= %d", ErrTokenOutOfRange, tok, s.cfg.VocabSize)
	}
	if s.position() >= s.cfg.MaxTokens {
		return fmt.Errorf("%w: %d positions", ErrMaskExhausted, s.cfg.MaxTokens)
	}

	s.fresh = false
	if err := s.call(OpAppendToken, tok, func() error { return s.guest.AppendToken(ctx, s.aici, tok) }); err != nil {
		return s.fail(OpAppendToken, err)
	}
	s.appended++
	s.state = TokenAppended
	s.fresh = true
	return nil
}

// ReadBias copies the logit bias produced by the last processing call into
// dst, which must hold VocabSize values. Each call to ProcessPrompt or
// AppendToken allows exactly one read.
func (s *Session) ReadBias(dst []float32) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	defer s.mu.Unlock()

	switch {
	case s.state == Closed:
		return ErrClosed
	case s.failed != nil:
		return fmt.Errorf("%w: %w", ErrFailed, s.failed)
	case !s.state.generating():
		return ErrBiasNotReady
	case !s.fresh:
		return ErrBiasConsumed
	}

	view, err := s.bindings.Floats(buffers.LogitBias)
	if err != nil {
		return err
	}
	if err := view.ReadRange(0, view.Len(), dst); err != nil {
		return err
	}
	s.fresh = false
	s.observer.Observe(Event{Op: OpReadBias, Phase: PhaseReturn, State: s.state})
	return nil
}

// Mask returns a copy of the defined part of the dynamic mask: the prompt
// positions plus one position per appended token.
func (s *Session) Mask() ([]float32, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()

	if s.state == Closed {
		return nil, ErrClosed
	}
	if s.state == Created {
		return nil, &TransitionError{Op: OpBindMask, From: s.state}
	}
	view, err := s.bindings.Floats(buffers.DynamicMask)
	if err != nil {
		return nil, err
	}
	out := make([]float32, s.position())
	if err := view.ReadRange(0, uint32(len(out)), out); err != nil { //nolint:gosec // G115: bounded by MaxTokens
		return nil, err
	}
	return out, nil
}

// AttentionMask is Mask with every value outside {0, 1} replaced by 1.0:
// reserved values carry no guaranteed effect. It also reports how many
// values were replaced.
func (s *Session) AttentionMask() ([]float32, int, error) {
	mask, err := s.Mask()
	if err != nil {
		return nil, 0, err
	}
	replaced := 0
	for i, v := range mask {
		if !buffers.IsCanonicalMask(v) {
			mask[i] = 1.0
			replaced++
		}
	}
	return mask, replaced, nil
}

// Close ends the session from any state. It waits for an in-flight guest call
// to return, then lets the guest release its side. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return nil
	}
	prev := s.state
	s.state = Closed
	s.fresh = false

	err := s.call(OpFree, 0, func() error { return s.guest.Free(ctx, s.aici) })
	if err != nil {
		s.logger.WarnContext(ctx, "session: guest free failed", "state", prev.String(), "error", err)
		return &GuestError{Op: OpFree, Err: err}
	}
	return nil
}

// begin acquires the call slot and checks the current state. On success the
// caller owns s.mu.
func (s *Session) begin(op Op, allowed ...State) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	from := s.state
	s.mu.Unlock()
	return &TransitionError{Op: op, From: from}
}

func (s *Session) call(op Op, tok uint32, fn func() error) error {
	s.observer.Observe(Event{Op: op, Phase: PhaseCall, State: s.state, Token: tok})
	start := time.Now()
	err := fn()
	s.observer.Observe(Event{Op: op, Phase: PhaseReturn, State: s.state, Token: tok, Duration: time.Since(start), Err: err})
	return err
}

// fail poisons the session: only Close is accepted afterwards.
func (s *Session) fail(op Op, err error) error {
	var ge *GuestError
	if !errors.As(err, &ge) {
		err = &GuestError{Op: op, Err: err}
	}
	s.failed = err
	return err
}

func (s *Session) position() uint32 {
	return uint32(len(s.cfg.Prompt)) + s.appended //nolint:gosec // G115: bounded by MaxTokens
}
