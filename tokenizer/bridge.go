package tokenizer

import (
	"context"
	"log/slog"
)

// Bridge serves the guest's tokenize call. A failed tokenization is logged
// and reported as zero tokens; it never fails the guest call.
type Bridge struct {
	tok    Tokenizer
	logger *slog.Logger
}

// NewBridge wraps tok. A nil logger uses slog.Default.
func NewBridge(tok Tokenizer, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{tok: tok, logger: logger}
}

// Tokenize encodes src, copies up to len(dst) ids into dst and returns the
// full number of ids, so a caller with a short buffer can retry.
func (b *Bridge) Tokenize(ctx context.Context, src []byte, dst []uint32) uint32 {
	if b == nil || b.tok == nil {
		return 0
	}
	ids, err := b.tok.Encode(src)
	if err != nil {
		b.logger.WarnContext(ctx, "tokenizer: encode failed", "bytes", len(src), "error", err)
		return 0
	}
	copy(dst, ids)
	return uint32(len(ids)) //nolint:gosec // G115: token counts are bounded by input length
}
