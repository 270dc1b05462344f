package tokenizer

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

type hfTokenizerJSON struct {
	Model struct {
		Type  string            `json:"type"`
		Vocab map[string]uint32 `json:"vocab"`
	} `json:"model"`
	PreTokenizer *hfComponent `json:"pre_tokenizer"`
	Decoder      *hfComponent `json:"decoder"`
	AddedTokens  []struct {
		ID      uint32 `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfComponent struct {
	Type          string        `json:"type"`
	Pretokenizers []hfComponent `json:"pretokenizers"`
	Decoders      []hfComponent `json:"decoders"`
}

func (c *hfComponent) has(typ string) bool {
	if c == nil {
		return false
	}
	if c.Type == typ {
		return true
	}
	for i := range c.Pretokenizers {
		if c.Pretokenizers[i].has(typ) {
			return true
		}
	}
	for i := range c.Decoders {
		if c.Decoders[i].has(typ) {
			return true
		}
	}
	return false
}

// LoadVocab reads a vocabulary file. See ParseVocab for the accepted formats.
func LoadVocab(path string) ([]toktrie.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tokens, err := ParseVocab(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tokens, nil
}

// LoadTrie reads a vocabulary file and builds its trie.
func LoadTrie(path string) (*toktrie.Trie, error) {
	tokens, err := LoadVocab(path)
	if err != nil {
		return nil, err
	}
	return toktrie.Build(tokens)
}

// ParseVocab accepts three JSON layouts:
//
//   - an array of strings, where the index is the token id
//   - an object mapping token strings to ids
//   - a HuggingFace tokenizer.json (model.vocab plus added_tokens)
//
// tokenizer.json vocabularies are converted to raw bytes when they use the
// ByteLevel or Metaspace conventions. Added tokens are taken verbatim.
func ParseVocab(data []byte) ([]toktrie.Token, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("parse vocab: empty input")
	}

	switch trimmed[0] {
	case '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parse vocab array: %w", err)
		}
		tokens := make([]toktrie.Token, len(list))
		for i, s := range list {
			tokens[i] = toktrie.Token{ID: uint32(i), Bytes: []byte(s)} //nolint:gosec // G115: vocabularies are far below 2^32
		}
		return tokens, nil
	case '{':
		var top map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &top); err != nil {
			return nil, fmt.Errorf("parse vocab object: %w", err)
		}
		if _, ok := top["model"]; ok {
			return parseHF(trimmed)
		}
		var m map[string]uint32
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("parse vocab object: %w", err)
		}
		tokens := make([]toktrie.Token, 0, len(m))
		for s, id := range m {
			tokens = append(tokens, toktrie.Token{ID: id, Bytes: []byte(s)})
		}
		return tokens, nil
	default:
		return nil, fmt.Errorf("parse vocab: expected a JSON array or object")
	}
}

func parseHF(data []byte) ([]toktrie.Token, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if tj.Model.Vocab == nil {
		return nil, fmt.Errorf("parse tokenizer.json: model.vocab missing (type %q)", tj.Model.Type)
	}

	byteLevel := tj.PreTokenizer.has("ByteLevel") || tj.Decoder.has("ByteLevel")
	metaspace := tj.PreTokenizer.has("Metaspace") || tj.Decoder.has("Metaspace")
	var dec map[rune]byte
	if byteLevel {
		dec = byteLevelDecoder()
	}

	added := make(map[uint32]string, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		added[at.ID] = at.Content
	}

	tokens := make([]toktrie.Token, 0, len(tj.Model.Vocab)+len(added))
	for s, id := range tj.Model.Vocab {
		if _, ok := added[id]; ok {
			continue
		}
		tokens = append(tokens, toktrie.Token{ID: id, Bytes: vocabBytes(s, dec, metaspace)})
	}
	for id, s := range added {
		tokens = append(tokens, toktrie.Token{ID: id, Bytes: []byte(s)})
	}
	return tokens, nil
}

func vocabBytes(s string, dec map[rune]byte, metaspace bool) []byte {
	if dec != nil {
		if b, ok := decodeByteLevel(dec, s); ok {
			return b
		}
		return []byte(s)
	}
	if b, ok := byteFallback(s); ok {
		return b
	}
	if metaspace {
		s = strings.ReplaceAll(s, "▁", " ")
	}
	return []byte(s)
}

// byteFallback decodes sentencepiece byte tokens of the form <0xAB>.
func byteFallback(s string) ([]byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return nil, false
	}
	b, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return nil, false
	}
	return []byte{byte(b)}, true
}
