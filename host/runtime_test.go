package host

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/aici-sdk/go/hostfuncs"
	wazeroadapter "github.com/reglet-dev/aici-sdk/go/infrastructure/wazero"
	"github.com/reglet-dev/aici-sdk/go/internal/testutil"
	"github.com/reglet-dev/aici-sdk/go/session"
	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// a=0 b=1 c=2 ab=3
func scenarioTrie(t *testing.T) *toktrie.Trie {
	t.Helper()
	trie, err := toktrie.Build([]toktrie.Token{
		{ID: 0, Bytes: []byte("a")},
		{ID: 1, Bytes: []byte("b")},
		{ID: 2, Bytes: []byte("c")},
		{ID: 3, Bytes: []byte("ab")},
	})
	require.NoError(t, err)
	return trie
}

func newRuntime(t *testing.T, guest testutil.AICIGuestOptions, opts ...Option) *Runtime {
	t.Helper()
	ctx := context.Background()
	opts = append([]Option{WithTrie(scenarioTrie(t))}, opts...)
	rt, err := NewRuntime(ctx, testutil.AICIGuest(guest), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func guestUint32(t *testing.T, s *Session, addr uint32) uint32 {
	t.Helper()
	v, ok := s.module.Memory().ReadUint32Le(addr)
	require.True(t, ok)
	return v
}

func TestNewRuntime_VocabularyFromTrie(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	assert.Equal(t, uint32(4), rt.VocabSize())
}

func TestNewRuntime_NoVocabulary(t *testing.T) {
	_, err := NewRuntime(context.Background(), testutil.AICIGuest(testutil.AICIGuestOptions{}))
	assert.ErrorIs(t, err, ErrNoVocabulary)
}

func TestNewRuntime_MissingExports(t *testing.T) {
	empty := []byte("\x00asm\x01\x00\x00\x00")
	_, err := NewRuntime(context.Background(), empty, WithVocabSize(4))
	assert.ErrorIs(t, err, ErrMissingExport)
}

func TestNewRuntime_InvalidModule(t *testing.T) {
	_, err := NewRuntime(context.Background(), []byte("not wasm"), WithVocabSize(4))
	assert.Error(t, err)
}

func TestGenerate_EndToEnd(t *testing.T) {
	var printed bytes.Buffer
	rt := newRuntime(t, testutil.AICIGuestOptions{}, WithPrintWriter(&printed))

	res, err := rt.Generate(context.Background(), Request{Prompt: []uint32{0, 1}, MaxTokens: 4}, &GreedySampler{})
	require.NoError(t, err)

	// bias[1]=5 after the prompt picks 1; the append then pushes 1 down to -10.
	assert.Equal(t, []uint32{0, 1, 1, 0}, res.Tokens)
	assert.Equal(t, []float32{1, 1, testutil.GuestMaskValue, testutil.GuestMaskValue}, res.Mask)
	assert.Equal(t, ReasonLimit, res.Reason)
	assert.Equal(t, "ready", res.Output)
	assert.Equal(t, "ready", printed.String())
	assert.NoError(t, res.Degraded)
	assert.NotEmpty(t, res.RequestID)
	assert.Zero(t, rt.Sessions())
}

func TestGenerate_StopToken(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})

	res, err := rt.Generate(context.Background(), Request{Prompt: []uint32{0}}, &GreedySampler{Stop: []uint32{1}})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, res.Tokens)
	assert.Equal(t, ReasonCompleted, res.Reason)
}

func TestGenerate_SamplerLogits(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})

	sampler := &GreedySampler{
		Logits: func(context.Context, []uint32) ([]float32, error) {
			return []float32{0, 0, 0, 6}, nil
		},
	}
	res, err := rt.Generate(context.Background(), Request{Prompt: []uint32{0}, MaxTokens: 2}, sampler)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 3}, res.Tokens)
}

func TestGenerate_Cancelled(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := SamplerFunc(func(context.Context, Step) (uint32, bool, error) {
		cancel()
		return 2, false, nil
	})
	res, err := rt.Generate(ctx, Request{Prompt: []uint32{0}, MaxTokens: 8}, sampler)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, []uint32{0, 2}, res.Tokens)
	assert.Zero(t, rt.Sessions())
}

func TestGenerate_GuestTrapTerminates(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{TrapOnAppend: true})

	res, err := rt.Generate(context.Background(), Request{Prompt: []uint32{0}, MaxTokens: 3}, &GreedySampler{})
	var ge *session.GuestError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, session.OpAppendToken, ge.Op)
	assert.Equal(t, ReasonError, res.Reason)
	assert.Zero(t, rt.Sessions())
}

func TestGenerate_GuestTrapNoOpPolicy(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{TrapOnAppend: true}, WithFailurePolicy(NoOpBiasOnGuestError))

	res, err := rt.Generate(context.Background(), Request{Prompt: []uint32{0, 1}, MaxTokens: 4}, &GreedySampler{})
	require.NoError(t, err)
	assert.Error(t, res.Degraded)
	assert.Equal(t, ReasonLimit, res.Reason)
	// After the failed append every bias is zero, so greedy picks 0.
	assert.Equal(t, []uint32{0, 1, 1, 0}, res.Tokens)
	assert.Equal(t, []float32{1, 1, 1, 1}, res.Mask)

	t.Run("protocol still enforced", func(t *testing.T) {
		ctx := context.Background()
		s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0, 1}, MaxTokens: 5})
		require.NoError(t, err)
		defer s.Close(ctx)

		_, err = s.ProcessPrompt(ctx)
		require.NoError(t, err)
		bias, err := s.AppendToken(ctx, 1)
		require.NoError(t, err, "trap absorbed")
		testutil.AssertFilled(t, 0, bias)
		require.Error(t, s.Degraded())

		_, err = s.ProcessPrompt(ctx)
		var te *session.TransitionError
		require.ErrorAs(t, err, &te)
		assert.ErrorIs(t, err, session.ErrInvalidTransition)
		assert.Equal(t, session.TokenAppended, te.From)

		_, err = s.AppendToken(ctx, 999)
		assert.ErrorIs(t, err, session.ErrTokenOutOfRange)
		assert.Equal(t, uint32(3), s.Position(), "rejected token takes no position")

		_, err = s.AppendToken(ctx, 2)
		require.NoError(t, err)
		_, err = s.AppendToken(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, session.TokenAppended, s.State())
		_, err = s.AppendToken(ctx, 0)
		assert.ErrorIs(t, err, session.ErrMaskExhausted)

		mask, err := s.Mask()
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 1, 1, 1, 1}, mask)
	})
}

func TestSession_HostCalls(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, Arg: []byte(`{"x":1}`), MaxTokens: 3})
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Equal(t, rt.blob.Size(), guestUint32(t, s, testutil.GuestTrieSizeAddr))
	assert.Equal(t, uint32(7), guestUint32(t, s, testutil.GuestArgSizeAddr))
	arg, ok := s.module.Memory().Read(testutil.GuestArgAddr, 7)
	require.True(t, ok)
	assert.Equal(t, `{"x":1}`, string(arg))

	// "abc" tokenizes greedily as ab, c.
	assert.Equal(t, uint32(2), guestUint32(t, s, testutil.GuestTokCountAddr))
	assert.Equal(t, uint32(3), guestUint32(t, s, testutil.GuestTokensAddr))
	assert.Equal(t, uint32(2), guestUint32(t, s, testutil.GuestTokensAddr+4))

	assert.Equal(t, "ready", s.Output())
	assert.Equal(t, session.BuffersBound, s.State())
}

func TestSession_StepByStep(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{2, 0}, MaxTokens: 3})
	require.NoError(t, err)

	prompt, ok := s.module.Memory().Read(testutil.GuestPromptAddr, 8)
	require.True(t, ok)
	assert.Zero(t, binary.LittleEndian.Uint32(prompt), "prompt is written at processing time")

	bias, err := s.ProcessPrompt(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, testutil.GuestPromptBias, 0, 0}, bias)

	prompt, _ = s.module.Memory().Read(testutil.GuestPromptAddr, 8)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(prompt))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(prompt[4:]))

	bias2, err := s.AppendToken(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, float32(testutil.GuestAppendBias), bias2[3])
	assert.Equal(t, float32(testutil.GuestPromptBias), bias[1], "earlier bias is a copy")
	assert.Equal(t, uint32(0), s.Remaining())

	_, err = s.AppendToken(ctx, 0)
	assert.ErrorIs(t, err, session.ErrMaskExhausted)

	mask, err := s.Mask()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, testutil.GuestMaskValue}, mask)

	h := s.Handle()
	require.NoError(t, s.Close(ctx))
	reason, closed := s.CloseReason()
	assert.True(t, closed)
	assert.Equal(t, ReasonReleased, reason)

	_, err = rt.Lookup(h)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, rt.CloseSession(ctx, h, ReasonCompleted), ErrUnknownSession)
}

func TestSession_InitOnlyOnce(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, MaxTokens: 2})
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.ErrorIs(t, s.guest.Init(ctx), ErrAlreadyInitialized)
}

func TestSession_NoFreeExport(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{NoFree: true})
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, MaxTokens: 2})
	require.NoError(t, err)
	assert.NoError(t, s.Close(ctx))
}

func TestSession_Lookup(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, MaxTokens: 2})
	require.NoError(t, err)

	got, err := rt.Lookup(s.Handle())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, rt.Sessions())
	require.NoError(t, rt.CloseSession(ctx, s.Handle(), ReasonCompleted))
	assert.Zero(t, rt.Sessions())
}

func TestNewSession_Rejections(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{}, WithMaxArgSize(4))
	ctx := context.Background()

	_, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, Arg: []byte("12345"), MaxTokens: 2})
	assert.ErrorIs(t, err, ErrArgTooLarge)

	_, err = rt.NewSession(ctx, Request{Prompt: []uint32{0, 9}, MaxTokens: 4})
	assert.Error(t, err, "prompt token outside the vocabulary")

	_, err = rt.NewSession(ctx, Request{Prompt: []uint32{0, 1, 2}, MaxTokens: 2})
	assert.Error(t, err, "prompt longer than the mask")
	assert.Zero(t, rt.Sessions())
}

func TestNewSession_DefaultMaxTokens(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{}, WithMaxNewTokens(3))
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0, 1}})
	require.NoError(t, err)
	defer s.Close(ctx)
	assert.Equal(t, uint32(5), s.sess.Config().MaxTokens)
	assert.Equal(t, uint32(3), s.Remaining())
}

func TestRuntime_CustomModuleName(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{ModuleName: "aici"}, WithModuleName("aici"))

	res, err := rt.Generate(context.Background(), Request{Prompt: []uint32{0}, MaxTokens: 2}, &GreedySampler{})
	require.NoError(t, err)
	assert.Equal(t, "ready", res.Output)
}

func TestRuntime_CloseEndsSessions(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, testutil.AICIGuest(testutil.AICIGuestOptions{}), WithTrie(scenarioTrie(t)))
	require.NoError(t, err)

	a, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, MaxTokens: 2})
	require.NoError(t, err)
	_, err = rt.NewSession(ctx, Request{Prompt: []uint32{1}, MaxTokens: 2})
	require.NoError(t, err)

	require.NoError(t, rt.Close(ctx))
	assert.Zero(t, rt.Sessions())
	reason, closed := a.CloseReason()
	assert.True(t, closed)
	assert.Equal(t, ReasonShutdown, reason)

	_, err = rt.NewSession(ctx, Request{Prompt: []uint32{0}, MaxTokens: 2})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	assert.NoError(t, rt.Close(ctx))
}

func TestRuntime_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	rt := newRuntime(t, testutil.AICIGuestOptions{}, WithMetrics(m))

	_, err = rt.Generate(context.Background(), Request{Prompt: []uint32{0}, MaxTokens: 3}, &GreedySampler{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.sessionsStarted))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.sessionsClosed.WithLabelValues("limit")))
	assert.Equal(t, 0.0, promtestutil.ToFloat64(m.liveSessions))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.hostCalls.WithLabelValues("aici_host_print")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.hostCalls.WithLabelValues("aici_host_tokenize")))
	assert.Equal(t, 0, promtestutil.CollectAndCount(m.guestErrors))
	assert.Equal(t, 3.0, promtestutil.ToFloat64(m.biasReads), "prompt plus two appends")
	assert.Positive(t, promtestutil.CollectAndCount(m.guestCalls))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors register once per registry")
}

func TestArena_GenerationReuse(t *testing.T) {
	var a arena[string]
	h1 := a.insert("first")
	_, ok := a.remove(h1)
	require.True(t, ok)

	h2 := a.insert("second")
	assert.Equal(t, h1.Index, h2.Index)
	assert.NotEqual(t, h1.Gen, h2.Gen)

	_, ok = a.get(h1)
	assert.False(t, ok, "stale handle")
	v, ok := a.get(h2)
	require.True(t, ok)
	assert.Equal(t, "second", v)
	assert.Equal(t, []Handle{h2}, a.handles())
	assert.Equal(t, 1, a.len())
}

func TestGreedySampler(t *testing.T) {
	g := &GreedySampler{}
	tok, done, err := g.Next(context.Background(), Step{Bias: []float32{1, 3, 3, float32(math.Inf(-1))}})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, uint32(1), tok, "ties go to the lowest id")

	g.Logits = func(context.Context, []uint32) ([]float32, error) { return []float32{1}, nil }
	_, _, err = g.Next(context.Background(), Step{Bias: []float32{0, 0}})
	assert.Error(t, err)
}

func TestPolicyParsing(t *testing.T) {
	p, ok := ParseFailurePolicy("noop")
	assert.True(t, ok)
	assert.Equal(t, NoOpBiasOnGuestError, p)
	assert.Equal(t, "noop", p.String())

	_, ok = ParseFailurePolicy("retry")
	assert.False(t, ok)
	assert.Equal(t, "shutdown", ReasonShutdown.String())
}

func TestSession_MaxInputSize(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{}, WithMaxInputSize(3), WithMaxArgSize(64))
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, Arg: []byte("longer than three"), MaxTokens: 2})
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Empty(t, s.Output(), "five byte print rejected")
	assert.Equal(t, uint32(2), guestUint32(t, s, testutil.GuestTokCountAddr), "three byte tokenize served")
	assert.Equal(t, uint32(17), guestUint32(t, s, testutil.GuestArgSizeAddr), "argument has its own limit")
}

func TestNewRuntime_DefaultMaxInputSize(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{})
	assert.Equal(t, hostfuncs.DefaultMaxInputSize, rt.maxInputSize)
	assert.Equal(t, hostfuncs.DefaultMaxArgSize, rt.maxArgSize)
}

func TestNewRuntime_CustomHostFunc(t *testing.T) {
	var got uint32
	rt := newRuntime(t, testutil.AICIGuestOptions{}, WithCustomHostFunc(wazeroadapter.CustomHandler{
		Name: "aici_host_debug",
		Handler: api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			got = api.DecodeU32(stack[0])
		}),
		ParamTypes: []api.ValueType{api.ValueTypeI32},
	}))
	ctx := context.Background()

	env := rt.runtime.Module(wazeroadapter.DefaultModuleName)
	require.NotNil(t, env)
	fn := env.ExportedFunction("aici_host_debug")
	require.NotNil(t, fn)
	_, err := fn.Call(ctx, api.EncodeU32(7))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got)
	assert.NotNil(t, env.ExportedFunction(hostfuncs.PrintName), "registry functions still exported")
}

func TestSession_GuestSeesWallClock(t *testing.T) {
	rt := newRuntime(t, testutil.AICIGuestOptions{ReadClock: true})
	ctx := context.Background()

	s, err := rt.NewSession(ctx, Request{Prompt: []uint32{0}, MaxTokens: 2})
	require.NoError(t, err)
	defer s.Close(ctx)

	ns, ok := s.module.Memory().ReadUint64Le(testutil.GuestClockAddr)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), time.Unix(0, int64(ns)), time.Minute) //nolint:gosec // G115: nanoseconds since epoch
}
