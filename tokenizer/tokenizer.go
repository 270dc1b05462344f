// Package tokenizer connects a text tokenizer to the guest's tokenize call.
package tokenizer

import (
	"errors"
	"fmt"

	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// ErrNoMatch is returned when no token covers the next input byte.
var ErrNoMatch = errors.New("tokenizer: no token matches input")

// Tokenizer turns bytes into token ids. Implementations must be
// deterministic for a fixed vocabulary and safe for concurrent use.
type Tokenizer interface {
	Encode(text []byte) ([]uint32, error)
}

// Func adapts a function to Tokenizer.
type Func func(text []byte) ([]uint32, error)

func (f Func) Encode(text []byte) ([]uint32, error) { return f(text) }

// Greedy tokenizes by repeatedly taking the longest vocabulary token that
// prefixes the remaining input.
type Greedy struct {
	trie *toktrie.Trie
}

// NewGreedy returns a Greedy tokenizer over trie.
func NewGreedy(trie *toktrie.Trie) *Greedy {
	return &Greedy{trie: trie}
}

// Encode implements Tokenizer.
func (g *Greedy) Encode(text []byte) ([]uint32, error) {
	out := make([]uint32, 0, len(text)/2+1)
	for pos := 0; pos < len(text); {
		id, n, ok := g.trie.LongestMatch(text[pos:])
		if !ok || n == 0 {
			return nil, fmt.Errorf("%w at byte %d (%#02x)", ErrNoMatch, pos, text[pos])
		}
		out = append(out, id)
		pos += n
	}
	return out, nil
}

// Decode concatenates the bytes of ids. Unknown ids are an error.
func (g *Greedy) Decode(ids []uint32) ([]byte, error) {
	var out []byte
	for _, id := range ids {
		b, ok := g.trie.TokenBytes(id)
		if !ok {
			return nil, fmt.Errorf("tokenizer: unknown token %d", id)
		}
		out = append(out, b...)
	}
	return out, nil
}
