package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// Guest export names.
const (
	exportInit          = "aici_init"
	exportCreate        = "aici_create"
	exportPromptBuffer  = "aici_get_prompt_buffer"
	exportBiasBuffer    = "aici_get_logit_bias_buffer"
	exportMaskBuffer    = "aici_get_dynamic_attention_mask_buffer"
	exportProcessPrompt = "aici_process_prompt"
	exportAppendToken   = "aici_append_token"
	exportFree          = "aici_free"
	exportInitialize    = "_initialize"
)

// requiredExports lists every function a guest must export, with its
// parameter and result counts.
var requiredExports = []struct {
	name            string
	params, results int
}{
	{exportInit, 0, 0},
	{exportCreate, 0, 1},
	{exportPromptBuffer, 2, 1},
	{exportBiasBuffer, 2, 1},
	{exportMaskBuffer, 2, 1},
	{exportProcessPrompt, 1, 0},
	{exportAppendToken, 2, 0},
}

// checkExports verifies the compiled module against the guest ABI.
func checkExports(compiled wazero.CompiledModule) error {
	defs := compiled.ExportedFunctions()
	for _, want := range requiredExports {
		def, ok := defs[want.name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingExport, want.name)
		}
		if len(def.ParamTypes()) != want.params || len(def.ResultTypes()) != want.results {
			return fmt.Errorf("%w: %s has %d params and %d results, want %d and %d", ErrMissingExport,
				want.name, len(def.ParamTypes()), len(def.ResultTypes()), want.params, want.results)
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return fmt.Errorf("%w: memory", ErrMissingExport)
	}
	return nil
}

// wasmGuest binds one guest instance to the session.Guest interface.
type wasmGuest struct {
	module api.Module

	mu          sync.Mutex
	initialized bool
}

func newWasmGuest(module api.Module) *wasmGuest {
	return &wasmGuest{module: module}
}

// Init runs the reactor initializer, if any, then aici_init. It may run only
// once per instance.
func (g *wasmGuest) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialized {
		return ErrAlreadyInitialized
	}
	g.initialized = true

	if fn := g.module.ExportedFunction(exportInitialize); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return fmt.Errorf("failed to call %s: %w", exportInitialize, err)
		}
	}
	_, err := g.call(ctx, exportInit)
	return err
}

func (g *wasmGuest) Create(ctx context.Context) (uint32, error) {
	if err := g.requireInit(); err != nil {
		return 0, err
	}
	return g.call32(ctx, exportCreate)
}

func (g *wasmGuest) PromptBuffer(ctx context.Context, aici, size uint32) (uint32, error) {
	return g.call32(ctx, exportPromptBuffer, api.EncodeU32(aici), api.EncodeU32(size))
}

func (g *wasmGuest) LogitBiasBuffer(ctx context.Context, aici, size uint32) (uint32, error) {
	return g.call32(ctx, exportBiasBuffer, api.EncodeU32(aici), api.EncodeU32(size))
}

func (g *wasmGuest) MaskBuffer(ctx context.Context, aici, size uint32) (uint32, error) {
	return g.call32(ctx, exportMaskBuffer, api.EncodeU32(aici), api.EncodeU32(size))
}

func (g *wasmGuest) ProcessPrompt(ctx context.Context, aici uint32) error {
	_, err := g.call(ctx, exportProcessPrompt, api.EncodeU32(aici))
	return err
}

func (g *wasmGuest) AppendToken(ctx context.Context, aici, tok uint32) error {
	_, err := g.call(ctx, exportAppendToken, api.EncodeU32(aici), api.EncodeU32(tok))
	return err
}

// Free calls aici_free when the guest exports it.
func (g *wasmGuest) Free(ctx context.Context, aici uint32) error {
	if g.module.ExportedFunction(exportFree) == nil {
		return nil
	}
	_, err := g.call(ctx, exportFree, api.EncodeU32(aici))
	return err
}

func (g *wasmGuest) Memory() buffers.Memory {
	return g.module.Memory()
}

func (g *wasmGuest) requireInit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (g *wasmGuest) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := g.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return results, nil
}

func (g *wasmGuest) call32(ctx context.Context, name string, params ...uint64) (uint32, error) {
	results, err := g.call(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%s returned no results", name)
	}
	return api.DecodeU32(results[0]), nil
}
