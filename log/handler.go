// Package log provides structured logging (slog) for AICI guests. Records are
// encoded as one JSON line each and written through aici_host_print, so they
// show up in the session output on the host.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"github.com/goccy/go-json"
)

// WasmLogHandler implements slog.Handler on top of a line writer.
type WasmLogHandler struct {
	opts  handlerConfig
	mu    *sync.Mutex
	attrs []LogAttrWire
	group string
}

// HandlerOption configures the WasmLogHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	out       io.Writer
	level     slog.Level
	addSource bool
}

// defaultHandlerConfig returns the default configuration.
func defaultHandlerConfig() handlerConfig {
	return handlerConfig{
		level: slog.LevelInfo,
		out:   defaultWriter(),
	}
}

// WithLevel sets the minimum log level to report.
// Records below this level will be filtered on the guest side.
func WithLevel(level slog.Level) HandlerOption {
	return func(c *handlerConfig) {
		c.level = level
	}
}

// WithSource enables reporting of source location (file/line).
func WithSource(enabled bool) HandlerOption {
	return func(c *handlerConfig) {
		c.addSource = enabled
	}
}

// WithWriter replaces the host print destination.
func WithWriter(w io.Writer) HandlerOption {
	return func(c *handlerConfig) {
		c.out = w
	}
}

// NewHandler creates a new WasmLogHandler with the given options.
func NewHandler(opts ...HandlerOption) *WasmLogHandler {
	cfg := defaultHandlerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WasmLogHandler{opts: cfg, mu: &sync.Mutex{}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *WasmLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level
}

// Handle encodes the record and writes it as a single line.
func (h *WasmLogHandler) Handle(_ context.Context, record slog.Record) error {
	msg := LogMessageWire{
		Level:     record.Level.String(),
		Message:   record.Message,
		Timestamp: record.Time,
		Attrs:     slices.Clone(h.attrs),
	}
	if h.opts.addSource && record.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{record.PC})
		f, _ := frames.Next()
		msg.Source = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	record.Attrs(func(attr slog.Attr) bool {
		msg.Attrs = append(msg.Attrs, h.wire(attr))
		return true
	})

	line, err := json.Marshal(msg)
	if err != nil {
		line = fmt.Appendf(nil, `{"level":%q,"message":%q,"error":"log encoding failed"}`, msg.Level, msg.Message)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.opts.out.Write(line)
	return err
}

// WithAttrs returns a new WasmLogHandler that includes the given attributes.
func (h *WasmLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandler := *h
	newHandler.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		newHandler.attrs = append(newHandler.attrs, h.wire(a))
	}
	return &newHandler
}

// WithGroup returns a new WasmLogHandler whose later attribute keys are
// prefixed with name.
func (h *WasmLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newHandler := *h
	newHandler.group = h.group + name + "."
	return &newHandler
}

func (h *WasmLogHandler) wire(attr slog.Attr) LogAttrWire {
	w := toLogAttrWire(attr)
	w.Key = h.group + w.Key
	return w
}
