package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/reglet-dev/aici-sdk/go/buffers"
	"github.com/reglet-dev/aici-sdk/go/internal/testutil"
	"github.com/reglet-dev/aici-sdk/go/session"
)

func newSession(t *testing.T, g *testutil.Guest, cfg session.Config, opts ...session.Option) *session.Session {
	t.Helper()
	b, err := buffers.NewRegistry[int]().Open(1, g.Memory())
	require.NoError(t, err)
	s, err := session.New(context.Background(), g, b, cfg, opts...)
	require.NoError(t, err)
	return s
}

func scenarioConfig() session.Config {
	// vocabulary {0:"a", 1:"b", 2:"ab", 3:"c"}, prompt "a" "b"
	return session.Config{Prompt: []uint32{0, 1}, VocabSize: 4, MaxTokens: 3}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     session.Config
		wantErr bool
	}{
		{name: "valid", cfg: scenarioConfig()},
		{name: "empty prompt", cfg: session.Config{VocabSize: 1, MaxTokens: 1}},
		{name: "zero vocab", cfg: session.Config{MaxTokens: 1}, wantErr: true},
		{name: "zero max tokens", cfg: session.Config{VocabSize: 1}, wantErr: true},
		{name: "prompt longer than max", cfg: session.Config{Prompt: []uint32{0, 0}, VocabSize: 1, MaxTokens: 1}, wantErr: true},
		{name: "prompt token outside vocab", cfg: session.Config{Prompt: []uint32{4}, VocabSize: 4, MaxTokens: 2}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type ScenarioSuite struct {
	suite.Suite
	ctx    context.Context
	guest  *testutil.Guest
	sess   *session.Session
	events []session.Event
}

func (s *ScenarioSuite) SetupTest() {
	s.ctx = context.Background()
	s.guest = testutil.NewGuest()
	s.guest.MaskValue = 0
	s.events = nil
	s.sess = newSession(s.T(), s.guest, scenarioConfig(), session.WithObserver(session.ObserverFunc(func(e session.Event) {
		s.events = append(s.events, e)
	})))
}

func (s *ScenarioSuite) TestEndToEnd() {
	s.Equal(session.Created, s.sess.State())
	s.Require().NoError(s.sess.BindBuffers(s.ctx))
	s.Equal(session.BuffersBound, s.sess.State())

	mask, err := s.sess.Mask()
	s.Require().NoError(err)
	s.Equal([]float32{1, 1}, mask, "host writes defaults for prompt positions")

	s.Require().NoError(s.sess.ProcessPrompt(s.ctx))
	s.Equal(session.PromptProcessed, s.sess.State())

	bias := make([]float32, 4)
	s.Require().NoError(s.sess.ReadBias(bias))
	testutil.AssertFilled(s.T(), 0, bias)

	s.Require().NoError(s.sess.AppendToken(s.ctx, 2))
	s.Equal(session.TokenAppended, s.sess.State())

	s.Require().NoError(s.sess.ReadBias(bias))
	testutil.AssertFilled(s.T(), 1, bias, "bias is fully rewritten after append")

	mask, err = s.sess.Mask()
	s.Require().NoError(err)
	s.Equal([]float32{1, 1, 0}, mask, "position 2 carries the guest's value")

	err = s.sess.AppendToken(s.ctx, 3)
	s.ErrorIs(err, session.ErrMaskExhausted)
	s.Equal(session.TokenAppended, s.sess.State(), "capacity errors do not poison")

	s.Require().NoError(s.sess.Close(s.ctx))
	s.Equal(session.Closed, s.sess.State())
	s.True(s.guest.Freed(s.sess.Handle()))
}

func (s *ScenarioSuite) TestPromptWrittenBeforeProcessing() {
	var seen []uint32
	s.guest.OnStep = func(step testutil.Step) {
		if step.N == 0 {
			seen = step.Prompt
		}
	}
	s.Require().NoError(s.sess.BindBuffers(s.ctx))
	s.Require().NoError(s.sess.ProcessPrompt(s.ctx))
	s.Equal([]uint32{0, 1}, seen)
}

func (s *ScenarioSuite) TestBiasReadOncePerStep() {
	bias := make([]float32, 4)
	s.Require().NoError(s.sess.BindBuffers(s.ctx))
	s.ErrorIs(s.sess.ReadBias(bias), session.ErrBiasNotReady)

	s.Require().NoError(s.sess.ProcessPrompt(s.ctx))
	s.Require().NoError(s.sess.ReadBias(bias))
	s.ErrorIs(s.sess.ReadBias(bias), session.ErrBiasConsumed)

	s.Require().NoError(s.sess.AppendToken(s.ctx, 1))
	s.NoError(s.sess.ReadBias(bias))
}

func (s *ScenarioSuite) TestBiasReadOrdering() {
	s.Require().NoError(s.sess.BindBuffers(s.ctx))
	s.Require().NoError(s.sess.ProcessPrompt(s.ctx))
	s.Require().NoError(s.sess.ReadBias(make([]float32, 4)))
	s.Require().NoError(s.sess.AppendToken(s.ctx, 2))
	s.Require().NoError(s.sess.ReadBias(make([]float32, 4)))

	// every bias read follows the return of a processing call with no
	// other call in between
	var last session.Event
	for _, e := range s.events {
		if e.Op == session.OpReadBias {
			s.Equal(session.PhaseReturn, last.Phase)
			s.Contains([]session.Op{session.OpProcessPrompt, session.OpAppendToken}, last.Op)
		}
		last = e
	}
}

func (s *ScenarioSuite) TestCloseFromCreated() {
	s.Require().NoError(s.sess.Close(s.ctx))
	s.Require().NoError(s.sess.Close(s.ctx), "closing twice is a no-op")
	s.ErrorIs(s.sess.BindBuffers(s.ctx), session.ErrClosed)
	_, err := s.sess.Mask()
	s.ErrorIs(err, session.ErrClosed)
	s.ErrorIs(s.sess.ReadBias(make([]float32, 4)), session.ErrClosed)
}

func TestScenarioSuite(t *testing.T) {
	suite.Run(t, new(ScenarioSuite))
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()

	steps := []struct {
		name string
		run  func(*session.Session) error
	}{
		{name: "bind", run: func(s *session.Session) error { return s.BindBuffers(ctx) }},
		{name: "prompt", run: func(s *session.Session) error { return s.ProcessPrompt(ctx) }},
		{name: "append", run: func(s *session.Session) error { return s.AppendToken(ctx, 0) }},
	}
	// allowed[i][j]: step j is valid after the first i steps succeeded
	allowed := [][]bool{
		{true, false, false},
		{false, true, false},
		{false, false, true},
	}

	for done := range allowed {
		for j, step := range steps {
			t.Run(step.name, func(t *testing.T) {
				g := testutil.NewGuest()
				s := newSession(t, g, session.Config{Prompt: []uint32{0}, VocabSize: 2, MaxTokens: 8})
				for i := 0; i < done; i++ {
					require.NoError(t, steps[i].run(s))
				}
				before := len(g.Calls())

				err := step.run(s)
				if allowed[done][j] {
					require.NoError(t, err)
					return
				}
				var te *session.TransitionError
				require.ErrorAs(t, err, &te)
				assert.ErrorIs(t, err, session.ErrInvalidTransition)
				assert.Len(t, g.Calls(), before, "rejected calls never reach the guest")
			})
		}
	}
}

func TestMaskDefaultsBeforeGuestRuns(t *testing.T) {
	g := testutil.NewGuest()
	var atPrompt []float32
	g.OnStep = func(step testutil.Step) {
		if step.N == 0 {
			atPrompt = g.Mem().Float32s(g.Addr[testutil.CallMaskBuffer], 3)
		}
	}
	g.Addr[testutil.CallMaskBuffer] = 1024

	s := newSession(t, g, session.Config{Prompt: []uint32{0, 0, 0}, VocabSize: 1, MaxTokens: 4})
	require.NoError(t, s.BindBuffers(context.Background()))
	require.NoError(t, s.ProcessPrompt(context.Background()))
	assert.Equal(t, []float32{1, 1, 1}, atPrompt)
}

func TestAttentionMask(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewGuest()
	g.MaskValue = 0.25
	s := newSession(t, g, session.Config{Prompt: []uint32{0}, VocabSize: 1, MaxTokens: 2})
	require.NoError(t, s.BindBuffers(ctx))
	require.NoError(t, s.ProcessPrompt(ctx))
	require.NoError(t, s.AppendToken(ctx, 0))

	raw, err := s.Mask()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.25}, raw)

	conservative, replaced, err := s.AttentionMask()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, conservative)
	assert.Equal(t, 1, replaced)
	testutil.AssertCanonicalMask(t, conservative)
}

func TestTokenOutOfRange(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewGuest()
	s := newSession(t, g, session.Config{VocabSize: 2, MaxTokens: 4})
	require.NoError(t, s.BindBuffers(ctx))
	require.NoError(t, s.ProcessPrompt(ctx))

	require.ErrorIs(t, s.AppendToken(ctx, 2), session.ErrTokenOutOfRange)
	assert.Equal(t, session.PromptProcessed, s.State())
	require.NoError(t, s.AppendToken(ctx, 1))
}

func TestGuestFailurePoisons(t *testing.T) {
	ctx := context.Background()
	trap := errors.New("unreachable")
	g := testutil.NewGuest()
	g.Fail[testutil.CallProcessPrompt] = trap

	s := newSession(t, g, scenarioConfig())
	require.NoError(t, s.BindBuffers(ctx))

	err := s.ProcessPrompt(ctx)
	var ge *session.GuestError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, session.OpProcessPrompt, ge.Op)
	assert.ErrorIs(t, err, trap)

	require.ErrorIs(t, s.AppendToken(ctx, 0), session.ErrFailed)
	require.ErrorIs(t, s.ReadBias(make([]float32, 4)), session.ErrFailed)
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, session.Closed, s.State())
}

func TestBindFailure(t *testing.T) {
	g := testutil.NewGuest()
	g.Addr[testutil.CallBiasBuffer] = 0

	s := newSession(t, g, scenarioConfig())
	err := s.BindBuffers(context.Background())
	require.ErrorIs(t, err, buffers.ErrNullRegion)
	assert.Equal(t, session.Created, s.State())
	testutil.AssertCallOrder(t, []string{testutil.CallPromptBuffer, testutil.CallBiasBuffer}, g.Calls())
	assert.NotContains(t, g.Calls(), testutil.CallMaskBuffer)
}

func TestCreateFailure(t *testing.T) {
	g := testutil.NewGuest()
	g.Fail[testutil.CallCreate] = errors.New("out of memory")
	b, err := buffers.NewRegistry[int]().Open(1, g.Memory())
	require.NoError(t, err)

	_, err = session.New(context.Background(), g, b, scenarioConfig())
	var ge *session.GuestError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, session.OpCreate, ge.Op)
}

func TestBusy(t *testing.T) {
	ctx := context.Background()
	g := testutil.NewGuest()
	entered := make(chan struct{})
	release := make(chan struct{})
	g.Before = func(call string) {
		if call == testutil.CallProcessPrompt {
			close(entered)
			<-release
		}
	}

	s := newSession(t, g, scenarioConfig())
	require.NoError(t, s.BindBuffers(ctx))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.ProcessPrompt(ctx))
	}()
	<-entered

	assert.ErrorIs(t, s.AppendToken(ctx, 0), session.ErrBusy)
	assert.ErrorIs(t, s.ReadBias(make([]float32, 4)), session.ErrBusy)
	_, err := s.Mask()
	assert.ErrorIs(t, err, session.ErrBusy)

	closed := make(chan error, 1)
	go func() { closed <- s.Close(ctx) }()

	close(release)
	wg.Wait()
	require.NoError(t, <-closed)
	assert.Equal(t, session.Closed, s.State())
}

func TestCloseWithoutFree(t *testing.T) {
	g := testutil.NewGuest()
	g.NoFree = true
	s := newSession(t, g, scenarioConfig())
	require.NoError(t, s.Close(context.Background()))
	assert.NotContains(t, g.Calls(), testutil.CallFree)
}

func TestCloseReportsFreeError(t *testing.T) {
	g := testutil.NewGuest()
	g.Fail[testutil.CallFree] = errors.New("trap")
	s := newSession(t, g, scenarioConfig())

	err := s.Close(context.Background())
	var ge *session.GuestError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, session.OpFree, ge.Op)
	assert.Equal(t, session.Closed, s.State())
}
