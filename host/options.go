package host

import (
	"io"
	"log/slog"

	"github.com/reglet-dev/aici-sdk/go/hostfuncs"
	wazeroadapter "github.com/reglet-dev/aici-sdk/go/infrastructure/wazero"
	"github.com/reglet-dev/aici-sdk/go/tokenizer"
	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// DefaultMaxNewTokens bounds generation when a Request sets no MaxTokens.
const DefaultMaxNewTokens = 128

// Option defines a functional option for configuring the Runtime.
type Option func(*Runtime)

// WithTrie publishes the vocabulary trie to guests. The vocabulary size
// defaults to the largest token id plus one.
func WithTrie(trie *toktrie.Trie) Option {
	return func(r *Runtime) {
		r.trie = trie
	}
}

// WithVocabSize sets the logit bias length explicitly.
func WithVocabSize(n uint32) Option {
	return func(r *Runtime) {
		r.vocabSize = n
	}
}

// WithTokenizer serves aici_host_tokenize. Without it, and with a trie, the
// runtime tokenizes greedily over the trie.
func WithTokenizer(tok tokenizer.Tokenizer) Option {
	return func(r *Runtime) {
		r.tokenizer = tok
	}
}

// WithLogger sets the logger; sessions annotate it with their ids.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithModuleName sets the import module guests link host calls from
// (default: "env").
func WithModuleName(name string) Option {
	return func(r *Runtime) {
		r.moduleName = name
	}
}

// WithMaxArgSize limits the session argument blob.
func WithMaxArgSize(n int) Option {
	return func(r *Runtime) {
		r.maxArgSize = n
	}
}

// WithMaxInputSize limits the bytes a guest may pass to one print or tokenize
// call (default: hostfuncs.DefaultMaxInputSize). Larger calls do nothing and
// return 0.
func WithMaxInputSize(n int) Option {
	return func(r *Runtime) {
		r.maxInputSize = n
	}
}

// WithMaxPrintSize limits the guest output captured per session.
func WithMaxPrintSize(n int) Option {
	return func(r *Runtime) {
		r.maxPrintSize = n
	}
}

// WithPrintWriter also streams guest output to w.
func WithPrintWriter(w io.Writer) Option {
	return func(r *Runtime) {
		r.printWriter = w
	}
}

// WithMemoryLimitPages caps each guest's linear memory.
func WithMemoryLimitPages(pages uint32) Option {
	return func(r *Runtime) {
		r.memoryLimitPages = pages
	}
}

// WithFailurePolicy sets the reaction to guest failures (default: terminate).
func WithFailurePolicy(p FailurePolicy) Option {
	return func(r *Runtime) {
		r.policy = p
	}
}

// WithMaxNewTokens sets how many tokens a Request without MaxTokens may append.
func WithMaxNewTokens(n uint32) Option {
	return func(r *Runtime) {
		r.maxNewTokens = n
	}
}

// WithCustomHostFunc exports an extra wazero function from the host module,
// outside the host function registry and its middleware.
func WithCustomHostFunc(h wazeroadapter.CustomHandler) Option {
	return func(r *Runtime) {
		r.customFuncs = append(r.customFuncs, h)
	}
}

// WithHostMiddleware wraps every host function.
func WithHostMiddleware(mw ...hostfuncs.Middleware) Option {
	return func(r *Runtime) {
		r.middleware = append(r.middleware, mw...)
	}
}
