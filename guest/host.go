// Package guest is the controller side of the AICI protocol: it implements
// the guest exports on top of a Controller and wraps the host imports.
//
// Controllers are written against the portable Host and Sequence types and
// registered from main with Register. Build with
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o controller.wasm
package guest

import (
	"errors"
	"fmt"

	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// ErrNoTrie is returned when the host publishes no token trie.
var ErrNoTrie = errors.New("guest: host published no token trie")

// Host is the set of functions the host provides to the guest. Every read
// reports the full size of the data and copies as much as fits in dst.
type Host interface {
	Print(p []byte)
	ReadTokenTrie(dst []byte) uint32
	ReadArg(dst []byte) uint32
	Tokenize(src []byte, dst []uint32) uint32
}

// maxReads bounds ReadAll when the reported size keeps changing.
const maxReads = 4

// ReadAll asks for the size of a host value, then retrieves it.
func ReadAll(read func(dst []byte) uint32) []byte {
	size := read(nil)
	for range maxReads {
		if size == 0 {
			return nil
		}
		buf := make([]byte, size)
		n := read(buf)
		if n <= size {
			return buf[:n]
		}
		size = n
	}
	return nil
}

// Arg returns the session argument.
func Arg(h Host) []byte {
	return ReadAll(h.ReadArg)
}

// TokenTrie retrieves and decodes the host vocabulary.
func TokenTrie(h Host) (*toktrie.Trie, error) {
	data := ReadAll(h.ReadTokenTrie)
	if len(data) == 0 {
		return nil, ErrNoTrie
	}
	trie, err := toktrie.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("guest: decode token trie: %w", err)
	}
	return trie, nil
}

// Tokenize asks the host to tokenize text. A failed tokenization yields no
// tokens.
func Tokenize(h Host, text []byte) []uint32 {
	n := h.Tokenize(text, nil)
	for range maxReads {
		if n == 0 {
			return nil
		}
		dst := make([]uint32, n)
		got := h.Tokenize(text, dst)
		if got <= n {
			return dst[:got]
		}
		n = got
	}
	return nil
}

// Writer adapts the host print function to io.Writer.
type Writer struct {
	Host Host
}

func (w Writer) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.Host.Print(p)
	}
	return len(p), nil
}
