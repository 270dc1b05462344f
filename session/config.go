package session

import (
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config sizes the three buffers of a session.
type Config struct {
	// Prompt is written to the prompt buffer before prompt processing.
	Prompt []uint32
	// VocabSize is the logit bias buffer length.
	VocabSize uint32 `validate:"gt=0"`
	// MaxTokens is the dynamic mask length: the most positions (prompt
	// included) the sequence may ever reach.
	MaxTokens uint32 `validate:"gt=0"`
}

// Validate checks the sizes.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if uint64(len(c.Prompt)) > uint64(c.MaxTokens) {
		return fmt.Errorf("session config: prompt of %d tokens exceeds max tokens %d", len(c.Prompt), c.MaxTokens)
	}
	for i, tok := range c.Prompt {
		if tok >= c.VocabSize {
			return fmt.Errorf("session config: prompt token %d at %d: %w", tok, i, ErrTokenOutOfRange)
		}
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithObserver installs an observer for protocol events.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithLogger sets the logger used for teardown diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}
