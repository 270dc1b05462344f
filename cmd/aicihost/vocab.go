package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reglet-dev/aici-sdk/go/tokenizer"
	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// loadTrie reads an encoded trie (.trie) or a JSON vocabulary.
func loadTrie(path string) (*toktrie.Trie, error) {
	if filepath.Ext(path) != ".trie" {
		return tokenizer.LoadTrie(path)
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read trie: %w", err)
	}
	return toktrie.Decode(data)
}

// parseIDs parses a comma separated token id list.
func parseIDs(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", p)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func formatIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}
