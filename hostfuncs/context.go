package hostfuncs

import (
	"context"
	"io"
	"log/slog"

	"github.com/reglet-dev/aici-sdk/go/tokenizer"
	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// contextKey is a private type for context keys.
type contextKey struct {
	name string
}

var (
	envKey      = &contextKey{name: "aici_env"}
	funcNameKey = &contextKey{name: "host_function"}
)

// Env is the per-session state host functions read from. Every field is
// optional: a missing trie, argument or tokenizer reads as size zero.
type Env struct {
	// Trie is the shared, read-only trie encoding.
	Trie *toktrie.Blob
	// Tokenizer serves aici_host_tokenize.
	Tokenizer *tokenizer.Bridge
	// Output receives guest prints. Nil discards them.
	Output io.Writer
	// Logger is annotated with the session attributes.
	Logger *slog.Logger
	// Arg is the session argument blob.
	Arg []byte
}

// WithEnv returns a context carrying env.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey, env)
}

// EnvFrom returns the Env carried by ctx, or an empty one.
func EnvFrom(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey).(*Env); ok && env != nil {
		return env
	}
	return &Env{}
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// WithFunctionName marks ctx with the host function being invoked.
func WithFunctionName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, funcNameKey, name)
}

// FunctionName returns the host function name set by the registry, or "unknown".
func FunctionName(ctx context.Context) string {
	if name, ok := ctx.Value(funcNameKey).(string); ok {
		return name
	}
	return "unknown"
}
