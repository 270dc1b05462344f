// Package wazero registers the AICI host functions with the wazero runtime.
//
// This package bridges the SDK's pure Go host function implementations with the
// wazero WebAssembly runtime. It handles:
//
//   - Declaring i32 signatures from each hostfuncs.Func
//   - Decoding parameters off the call stack
//   - Passing the calling guest's linear memory to the host function
//
// # Basic Usage
//
//	registry, err := hostfuncs.NewRegistry(
//	    hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
//	    hostfuncs.WithBundle(hostfuncs.AICIBundle()),
//	)
//	if err != nil {
//	    return err
//	}
//
//	runtime := wazero.NewRuntime(ctx)
//	_, err = wazero.RegisterWithRuntime(ctx, runtime, registry)
//
// Per-session state reaches the host functions through the call context:
// pass a context built with hostfuncs.WithEnv to every guest call.
package wazero
