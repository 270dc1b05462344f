package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/reglet-dev/aici-sdk/go/buffers"
	"github.com/reglet-dev/aici-sdk/go/hostfuncs"
	wazeroadapter "github.com/reglet-dev/aici-sdk/go/infrastructure/wazero"
	"github.com/reglet-dev/aici-sdk/go/session"
	"github.com/reglet-dev/aici-sdk/go/tokenizer"
	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// Runtime owns the WASM engine, the compiled guest and every live session.
// It is safe for concurrent use; each session runs in its own guest instance.
type Runtime struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	registry *hostfuncs.HandlerRegistry
	buffers  *buffers.Registry[Handle]
	sessions arena[*Session]

	trie      *toktrie.Trie
	blob      *toktrie.Blob
	tokenizer tokenizer.Tokenizer
	bridge    *tokenizer.Bridge
	logger    *slog.Logger
	metrics   *Metrics

	printWriter io.Writer
	middleware  []hostfuncs.Middleware
	customFuncs []wazeroadapter.CustomHandler
	moduleName  string

	maxArgSize       int
	maxInputSize     int
	maxPrintSize     int
	memoryLimitPages uint32
	maxNewTokens     uint32
	vocabSize        uint32
	policy           FailurePolicy

	mu     sync.Mutex
	closed bool
}

// NewRuntime compiles wasm and prepares the host module. The guest must
// export the AICI functions and its memory.
func NewRuntime(ctx context.Context, wasm []byte, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		logger:       slog.Default(),
		moduleName:   wazeroadapter.DefaultModuleName,
		maxArgSize:   hostfuncs.DefaultMaxArgSize,
		maxInputSize: hostfuncs.DefaultMaxInputSize,
		maxPrintSize: hostfuncs.DefaultMaxPrintSize,
		maxNewTokens: DefaultMaxNewTokens,
		buffers:      buffers.NewRegistry[Handle](),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.prepareVocabulary(); err != nil {
		return nil, err
	}

	registry, err := hostfuncs.NewRegistry(
		hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
		hostfuncs.WithMiddleware(hostfuncs.ObserveMiddleware(r.metrics.hostCall)),
		hostfuncs.WithMiddleware(hostfuncs.LoggingMiddleware()),
		hostfuncs.WithMiddleware(hostfuncs.MaxInputMiddleware(uint32(r.maxInputSize))), //nolint:gosec // G115: configured limit
		hostfuncs.WithMiddleware(r.middleware...),
		hostfuncs.WithBundle(hostfuncs.AICIBundle()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host function registry: %w", err)
	}
	r.registry = registry

	cfg := wazero.NewRuntimeConfig()
	if r.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(r.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	r.runtime = rt

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	adapterOpts := []wazeroadapter.AdapterOption{wazeroadapter.WithModuleName(r.moduleName)}
	for _, h := range r.customFuncs {
		adapterOpts = append(adapterOpts, wazeroadapter.WithCustomHandler(h))
	}
	if _, err := wazeroadapter.RegisterWithRuntime(ctx, rt, registry, adapterOpts...); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to compile guest module: %w", err)
	}
	if err := checkExports(compiled); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	r.compiled = compiled
	return r, nil
}

func (r *Runtime) prepareVocabulary() error {
	if r.trie != nil {
		blob, err := toktrie.NewBlob(r.trie)
		if err != nil {
			return fmt.Errorf("failed to encode token trie: %w", err)
		}
		r.blob = blob
		if r.vocabSize == 0 {
			if id, ok := r.trie.MaxID(); ok {
				r.vocabSize = id + 1
			}
		}
		if r.tokenizer == nil {
			r.tokenizer = tokenizer.NewGreedy(r.trie)
		}
	}
	if r.vocabSize == 0 {
		return ErrNoVocabulary
	}
	if r.tokenizer != nil {
		r.bridge = tokenizer.NewBridge(r.tokenizer, r.logger)
	}
	return nil
}

// VocabSize returns the logit bias length of every session.
func (r *Runtime) VocabSize() uint32 {
	return r.vocabSize
}

// Request describes one generation.
type Request struct {
	// Arg is handed to the guest through aici_host_read_arg.
	Arg []byte
	// Prompt holds the prompt tokens.
	Prompt []uint32
	// MaxTokens is the total number of sequence positions, prompt included.
	// Zero allows the runtime's MaxNewTokens beyond the prompt.
	MaxTokens uint32
}

func (r *Runtime) sessionConfig(req Request) session.Config {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = uint32(len(req.Prompt)) + r.maxNewTokens //nolint:gosec // G115: prompt lengths are bounded
	}
	return session.Config{Prompt: req.Prompt, VocabSize: r.vocabSize, MaxTokens: maxTokens}
}

// NewSession instantiates a guest, initializes it, creates a session and
// binds its buffers. The caller must release it with CloseSession.
func (r *Runtime) NewSession(ctx context.Context, req Request) (*Session, error) {
	if r.isClosed() {
		return nil, ErrRuntimeClosed
	}
	if len(req.Arg) > r.maxArgSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrArgTooLarge, len(req.Arg), r.maxArgSize)
	}
	cfg := r.sessionConfig(req)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	h := r.sessions.insert(nil)
	logger := r.logger.With("request_id", id, "session", h.String())

	output := hostfuncs.NewBoundedBuffer(r.maxPrintSize)
	var sink io.Writer = output
	if r.printWriter != nil {
		sink = io.MultiWriter(output, r.printWriter)
	}
	s := &Session{
		runtime: r,
		handle:  h,
		id:      id,
		logger:  logger,
		output:  output,
		env: &hostfuncs.Env{
			Trie:      r.blob,
			Tokenizer: r.bridge,
			Arg:       append([]byte(nil), req.Arg...),
			Output:    sink,
			Logger:    logger,
		},
	}

	if err := r.startSession(ctx, s, cfg); err != nil {
		r.sessions.remove(h)
		_ = r.teardown(ctx, s, ReasonError)
		logger.ErrorContext(ctx, "host: session start failed", "error", err)
		return nil, err
	}
	if !r.sessions.set(h, s) {
		// the runtime closed while the guest was starting
		_ = r.teardown(ctx, s, ReasonShutdown)
		return nil, ErrRuntimeClosed
	}
	r.metrics.sessionStarted()
	logger.DebugContext(ctx, "host: session started", "prompt_tokens", len(req.Prompt), "max_tokens", cfg.MaxTokens)
	return s, nil
}

func (r *Runtime) startSession(ctx context.Context, s *Session, cfg session.Config) error {
	callCtx := s.callContext(ctx)

	modCfg := wazero.NewModuleConfig().
		WithName("aici-" + s.id).
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime()
	mod, err := r.runtime.InstantiateModule(callCtx, r.compiled, modCfg)
	if err != nil {
		return fmt.Errorf("failed to instantiate guest: %w", err)
	}
	s.module = mod

	guest := newWasmGuest(mod)
	if err := guest.Init(callCtx); err != nil {
		return fmt.Errorf("guest init: %w", err)
	}
	s.guest = guest

	bindings, err := r.buffers.Open(s.handle, guest.Memory())
	if err != nil {
		return err
	}
	s.bound = true

	sess, err := session.New(callCtx, guest, bindings, cfg,
		session.WithLogger(s.logger),
		session.WithObserver(session.ObserverFunc(s.observe)),
	)
	if err != nil {
		return err
	}
	s.sess = sess
	return sess.BindBuffers(callCtx)
}

// Lookup resolves a handle to its live session.
func (r *Runtime) Lookup(h Handle) (*Session, error) {
	s, ok := r.sessions.get(h)
	if !ok || s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	return s, nil
}

// Sessions returns the number of live sessions.
func (r *Runtime) Sessions() int {
	return r.sessions.len()
}

// CloseSession ends the session: it lets the guest free its side, discards
// the guest instance and forgets the handle. It waits for an in-flight guest
// call to finish.
func (r *Runtime) CloseSession(ctx context.Context, h Handle, reason CloseReason) error {
	s, ok := r.sessions.remove(h)
	if !ok || s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	err := r.teardown(ctx, s, reason)
	r.metrics.sessionClosed(reason)
	if err != nil {
		s.logger.WarnContext(ctx, "host: session closed with error", "reason", reason.String(), "error", err)
	} else {
		s.logger.DebugContext(ctx, "host: session closed", "reason", reason.String())
	}
	return err
}

// teardown releases everything a session holds. The caller has already
// removed the handle.
func (r *Runtime) teardown(ctx context.Context, s *Session, reason CloseReason) error {
	var errs []error
	if s.sess != nil {
		if err := s.sess.Close(s.callContext(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.module != nil {
		if err := s.module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close guest instance: %w", err))
		}
	}
	if s.bound {
		r.buffers.Release(s.handle)
	}
	s.markClosed(reason)
	return errors.Join(errs...)
}

// Close ends every live session and releases the engine.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, h := range r.sessions.handles() {
		if err := r.CloseSession(ctx, h, ReasonShutdown); err != nil && !errors.Is(err, ErrUnknownSession) {
			errs = append(errs, err)
		}
	}
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
