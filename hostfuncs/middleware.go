package hostfuncs

import (
	"context"
	"log/slog"
	"time"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// Middleware wraps a HostFunc to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next HostFunc) HostFunc

// PanicRecoveryMiddleware turns a panic inside a host function into a zero
// result so a guest call never takes the host down.
func PanicRecoveryMiddleware() Middleware {
	return func(next HostFunc) HostFunc {
		return func(ctx context.Context, mem buffers.Memory, args []uint32) (result uint32) {
			defer func() {
				if r := recover(); r != nil {
					EnvFrom(ctx).logger().ErrorContext(ctx, "hostfuncs: panic recovered",
						"function", FunctionName(ctx), "panic", r)
					result = 0
				}
			}()
			return next(ctx, mem, args)
		}
	}
}

// LoggingMiddleware logs every host call at debug level on the session logger.
func LoggingMiddleware() Middleware {
	return func(next HostFunc) HostFunc {
		return func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
			start := time.Now()
			result := next(ctx, mem, args)
			EnvFrom(ctx).logger().LogAttrs(ctx, slog.LevelDebug, "host call",
				slog.String("function", FunctionName(ctx)),
				slog.Any("args", args),
				slog.Uint64("result", uint64(result)),
				slog.Duration("duration", time.Since(start)))
			return result
		}
	}
}

// ObserveMiddleware reports the name and duration of every host call to fn.
func ObserveMiddleware(fn func(name string, d time.Duration)) Middleware {
	return func(next HostFunc) HostFunc {
		return func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
			start := time.Now()
			result := next(ctx, mem, args)
			fn(FunctionName(ctx), time.Since(start))
			return result
		}
	}
}

// MaxInputMiddleware rejects print and tokenize calls whose source length
// exceeds limit bytes. Rejected calls return 0 without touching memory.
func MaxInputMiddleware(limit uint32) Middleware {
	return func(next HostFunc) HostFunc {
		return func(ctx context.Context, mem buffers.Memory, args []uint32) uint32 {
			switch FunctionName(ctx) {
			case PrintName, TokenizeName:
				if len(args) > 1 && args[1] > limit {
					EnvFrom(ctx).logger().WarnContext(ctx, "hostfuncs: input exceeds limit",
						"function", FunctionName(ctx), "len", args[1], "limit", limit)
					return 0
				}
			}
			return next(ctx, mem, args)
		}
	}
}
