package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/aici-sdk/go/hostfuncs"
	wazeroadapter "github.com/reglet-dev/aici-sdk/go/infrastructure/wazero"
	"github.com/reglet-dev/aici-sdk/go/session"
)

// Session is one generation running inside its own guest instance.
type Session struct {
	runtime *Runtime
	sess    *session.Session
	guest   *wasmGuest
	module  api.Module
	env     *hostfuncs.Env
	output  *hostfuncs.BoundedBuffer
	logger  *slog.Logger
	id      string
	handle  Handle
	bound   bool

	mu       sync.Mutex
	degraded error // guest failure absorbed under NoOpBiasOnGuestError
	phase    session.State
	extra    uint32
	closed   bool
	reason   CloseReason
}

// ID returns the request id assigned at creation.
func (s *Session) ID() string { return s.id }

// Handle returns the runtime handle of the session.
func (s *Session) Handle() Handle { return s.handle }

// State returns the protocol state of the session. Once a guest failure has
// been absorbed, the host tracks the state in place of the guest.
func (s *Session) State() session.State {
	s.mu.Lock()
	degraded := s.degraded != nil && !s.closed
	phase := s.phase
	s.mu.Unlock()
	if degraded {
		return phase
	}
	return s.sess.State()
}

// Output returns what the guest printed so far.
func (s *Session) Output() string {
	return s.output.String()
}

// OutputTruncated reports whether guest output exceeded the print limit.
func (s *Session) OutputTruncated() bool {
	return s.output.Truncated()
}

// Degraded returns the guest error absorbed by the no-op failure policy, if any.
func (s *Session) Degraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Position returns the number of sequence positions: prompt plus appended tokens.
func (s *Session) Position() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Position() + s.extra
}

// Remaining returns how many more tokens may be appended.
func (s *Session) Remaining() uint32 {
	pos := s.Position()
	limit := s.sess.Config().MaxTokens
	if pos >= limit {
		return 0
	}
	return limit - pos
}

// ProcessPrompt runs prompt processing and returns the logit bias for the
// first sampled token.
func (s *Session) ProcessPrompt(ctx context.Context) ([]float32, error) {
	return s.step(ctx, func(ctx context.Context) error {
		return s.sess.ProcessPrompt(ctx)
	}, false, 0)
}

// AppendToken hands a sampled token to the guest and returns the logit bias
// for the next one.
func (s *Session) AppendToken(ctx context.Context, tok uint32) ([]float32, error) {
	return s.step(ctx, func(ctx context.Context) error {
		return s.sess.AppendToken(ctx, tok)
	}, true, tok)
}

func (s *Session) step(ctx context.Context, call func(context.Context) error, appending bool, tok uint32) ([]float32, error) {
	bias := make([]float32, s.runtime.vocabSize)

	s.mu.Lock()
	degraded := s.degraded != nil
	s.mu.Unlock()
	if degraded {
		if err := s.degradedStep(appending, tok); err != nil {
			return nil, err
		}
		return bias, nil
	}

	err := call(s.callContext(ctx))
	if err == nil {
		if err := s.sess.ReadBias(bias); err != nil {
			return nil, err
		}
		return bias, nil
	}

	var ge *session.GuestError
	if s.runtime.policy != NoOpBiasOnGuestError || !errors.As(err, &ge) {
		return nil, err
	}
	s.logger.WarnContext(ctx, "host: guest failed; continuing without bias", "op", ge.Op.String(), "error", ge.Err)
	s.mu.Lock()
	s.degraded = err
	s.phase = session.PromptProcessed
	if appending {
		s.phase = session.TokenAppended
		s.extra++
	}
	s.mu.Unlock()
	return bias, nil
}

// degradedStep applies the session rules without the guest: the prompt is
// processed once and appended tokens stay in range and capacity.
func (s *Session) degradedStep(appending bool, tok uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrClosed
	}
	if !appending {
		return &session.TransitionError{Op: session.OpProcessPrompt, From: s.phase}
	}
	cfg := s.sess.Config()
	if tok >= cfg.VocabSize {
		return fmt.Errorf("%w: %d >= %d", session.ErrTokenOutOfRange, tok, cfg.VocabSize)
	}
	if s.sess.Position()+s.extra >= cfg.MaxTokens {
		return fmt.Errorf("%w: %d positions", session.ErrMaskExhausted, cfg.MaxTokens)
	}
	s.phase = session.TokenAppended
	s.extra++
	return nil
}

// Mask returns the defined part of the dynamic mask. After a degraded
// failure, positions the guest never saw read as 1.0.
func (s *Session) Mask() ([]float32, error) {
	mask, err := s.sess.Mask()
	if err != nil {
		return nil, err
	}
	return s.padMask(mask), nil
}

// AttentionMask is Mask restricted to 0.0 and 1.0.
func (s *Session) AttentionMask() ([]float32, error) {
	mask, replaced, err := s.sess.AttentionMask()
	if err != nil {
		return nil, err
	}
	if replaced > 0 {
		s.logger.Debug("host: reserved mask values treated as attend", "count", replaced)
	}
	return s.padMask(mask), nil
}

func (s *Session) padMask(mask []float32) []float32 {
	s.mu.Lock()
	extra := s.extra
	s.mu.Unlock()
	for range extra {
		mask = append(mask, 1.0)
	}
	return mask
}

// Close ends the session through its runtime.
func (s *Session) Close(ctx context.Context) error {
	return s.runtime.CloseSession(ctx, s.handle, ReasonReleased)
}

// CloseReason reports why the session ended, once it has.
func (s *Session) CloseReason() (CloseReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.closed
}

func (s *Session) markClosed(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

// callContext carries what host functions need while the guest runs.
func (s *Session) callContext(ctx context.Context) context.Context {
	ctx = wazeroadapter.WithGuestName(ctx, "aici-"+s.id)
	return hostfuncs.WithEnv(ctx, s.env)
}

func (s *Session) observe(e session.Event) {
	s.runtime.metrics.observe(e)
	if e.Phase == session.PhaseReturn && e.Op != session.OpReadBias {
		s.logger.Debug("host: guest call", "op", e.Op.String(), "duration", e.Duration, "error", e.Err)
	}
}
