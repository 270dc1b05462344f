// Package wazero provides adapters for registering SDK host functions with the wazero runtime.
package wazero

import (
	"context"
	"log/slog"

	"github.com/reglet-dev/aici-sdk/go/hostfuncs"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// DefaultModuleName is the import module AICI guests link the host calls from.
const DefaultModuleName = "env"

// AdapterConfig holds configuration for the wazero adapter.
type AdapterConfig struct {
	// ModuleName is the host module name (default: "env").
	ModuleName string

	// CustomHandlers allows adding wazero-specific functions that bypass the
	// registry, for example a guest-specific debugging hook.
	CustomHandlers []CustomHandler
}

// CustomHandler represents a raw wazero host function.
type CustomHandler struct {
	// Name is the exported function name.
	Name string

	// Handler is the wazero GoModuleFunc implementation.
	Handler api.GoModuleFunc

	// ParamTypes are the WASM parameter types.
	ParamTypes []api.ValueType

	// ResultTypes are the WASM result types.
	ResultTypes []api.ValueType
}

// AdapterOption configures the adapter.
type AdapterOption func(*AdapterConfig)

// WithModuleName sets the host module name (default: "env").
func WithModuleName(name string) AdapterOption {
	return func(c *AdapterConfig) {
		c.ModuleName = name
	}
}

// WithCustomHandler adds a custom wazero handler.
func WithCustomHandler(h CustomHandler) AdapterOption {
	return func(c *AdapterConfig) {
		c.CustomHandlers = append(c.CustomHandlers, h)
	}
}

// defaultAdapterConfig returns the default adapter configuration.
func defaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ModuleName: DefaultModuleName,
	}
}

// RegisterWithRuntime registers every function of a HandlerRegistry with a
// wazero runtime as a host module (default name "env").
//
// Each function takes and returns i32 values only. The wrapper:
//   - copies the i32 parameters off the stack
//   - invokes the registry with the calling module's memory
//   - stores the i32 result, if the function declares one
//
// Example:
//
//	registry, _ := hostfuncs.NewRegistry(
//	    hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
//	    hostfuncs.WithBundle(hostfuncs.AICIBundle()),
//	)
//	err := wazero.RegisterWithRuntime(ctx, runtime, registry)
func RegisterWithRuntime(ctx context.Context, runtime wazero.Runtime, registry *hostfuncs.HandlerRegistry, opts ...AdapterOption) (api.Module, error) {
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	builder := runtime.NewHostModuleBuilder(cfg.ModuleName)

	for _, name := range registry.Names() {
		f, _ := registry.Func(name)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				handleRegistryCall(ctx, mod, stack, registry, f)
			}), i32s(f.Params), i32s(f.Results)).
			WithName(name).
			Export(name)
	}

	for _, ch := range cfg.CustomHandlers {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(ch.Handler, ch.ParamTypes, ch.ResultTypes).
			Export(ch.Name)
	}

	return builder.Instantiate(ctx)
}

// handleRegistryCall bridges one guest call to the registry.
func handleRegistryCall(ctx context.Context, mod api.Module, stack []uint64, registry *hostfuncs.HandlerRegistry, f hostfuncs.Func) {
	mem := mod.Memory()
	if mem == nil {
		slog.ErrorContext(ctx, "wazero: guest module exports no memory", "function", f.Name, "guest", GetGuestName(ctx, mod))
		if f.Results > 0 {
			stack[0] = 0
		}
		return
	}

	args := make([]uint32, f.Params)
	for i := range args {
		args[i] = api.DecodeU32(stack[i])
	}

	result := registry.Invoke(ctx, f.Name, mem, args)
	if f.Results > 0 {
		stack[0] = api.EncodeU32(result)
	}
}

func i32s(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = api.ValueTypeI32
	}
	return types
}
