// Package toktrie encodes a tokenizer vocabulary as a compact byte trie.
//
// The host builds the trie once, publishes its encoding as a Blob and hands
// it to guests through the aici_host_read_token_trie call. Guests decode it
// and use the prefix queries to decide which next tokens to allow.
//
// A Trie is immutable after construction and safe for concurrent readers.
package toktrie

import (
	"fmt"
	"slices"
	"sort"
)

// Token is a single vocabulary entry.
type Token struct {
	Bytes []byte
	ID    uint32
}

type node struct {
	firstTerm  uint32
	termCount  uint32
	firstChild uint32
	childCount uint16
	b          byte
}

// Trie maps token ids to their bytes and indexes the bytes as a prefix tree.
type Trie struct {
	ids   []uint32 // ascending
	offs  []uint32
	lens  []uint32
	text  []byte
	nodes []node
	terms []uint32 // ids ending at each node, see format.go
}

type buildNode struct {
	children map[byte]*buildNode
	tokens   []uint32
}

// Build constructs a Trie from tokens. Tokens may be given in any order; ids
// must be unique. Tokens with equal bytes end at the same node.
func Build(tokens []Token) (*Trie, error) {
	sorted := make([]Token, len(tokens))
	copy(sorted, tokens)
	slices.SortFunc(sorted, func(a, b Token) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	t := &Trie{
		ids:  make([]uint32, len(sorted)),
		offs: make([]uint32, len(sorted)),
		lens: make([]uint32, len(sorted)),
	}

	var textLen uint64
	for i, tok := range sorted {
		if tok.ID == NoToken {
			return nil, ErrReservedID
		}
		if i > 0 && sorted[i-1].ID == tok.ID {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, tok.ID)
		}
		textLen += uint64(len(tok.Bytes))
	}
	if textLen > uint64(^uint32(0)) {
		return nil, fmt.Errorf("toktrie: vocabulary text too large (%d bytes)", textLen)
	}

	t.text = make([]byte, 0, textLen)
	root := &buildNode{}
	numNodes := 1
	for i, tok := range sorted {
		t.ids[i] = tok.ID
		t.offs[i] = uint32(len(t.text)) //nolint:gosec // G115: bounded by the check above
		t.lens[i] = uint32(len(tok.Bytes))
		t.text = append(t.text, tok.Bytes...)

		n := root
		for _, b := range tok.Bytes {
			if n.children == nil {
				n.children = make(map[byte]*buildNode)
			}
			c, ok := n.children[b]
			if !ok {
				c = &buildNode{}
				n.children[b] = c
				numNodes++
			}
			n = c
		}
		// sorted by id, so every run stays ascending
		n.tokens = append(n.tokens, tok.ID)
	}

	t.nodes, t.terms = flatten(root, numNodes, len(sorted))
	return t, nil
}

// flatten lays the pointer trie out breadth first.
func flatten(root *buildNode, numNodes, numTokens int) ([]node, []uint32) {
	flat := make([]node, 1, numNodes)
	terms := make([]uint32, 0, numTokens)
	queue := make([]*buildNode, 1, numNodes)
	queue[0] = root

	for i := 0; i < len(queue); i++ {
		bn := queue[i]
		flat[i].firstTerm = uint32(len(terms))     //nolint:gosec // G115: bounded by the token count
		flat[i].termCount = uint32(len(bn.tokens)) //nolint:gosec // G115: bounded by the token count
		terms = append(terms, bn.tokens...)

		keys := make([]byte, 0, len(bn.children))
		for k := range bn.children {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		flat[i].firstChild = uint32(len(flat))  //nolint:gosec // G115: node count fits in u32
		flat[i].childCount = uint16(len(keys)) //nolint:gosec // G115: at most 256 children
		for _, k := range keys {
			c := bn.children[k]
			flat = append(flat, node{b: k})
			queue = append(queue, c)
		}
	}
	return flat, terms
}

// Len returns the number of tokens.
func (t *Trie) Len() int {
	return len(t.ids)
}

// NumNodes returns the number of trie nodes, including the root.
func (t *Trie) NumNodes() int {
	return len(t.nodes)
}

// Tokens returns a copy of every token in ascending id order.
func (t *Trie) Tokens() []Token {
	out := make([]Token, len(t.ids))
	for i, id := range t.ids {
		out[i] = Token{ID: id, Bytes: slices.Clone(t.bytesAt(i))}
	}
	return out
}

// TokenBytes returns a copy of the bytes of token id.
func (t *Trie) TokenBytes(id uint32) ([]byte, bool) {
	i, ok := t.indexOf(id)
	if !ok {
		return nil, false
	}
	return slices.Clone(t.bytesAt(i)), true
}

// MaxID returns the highest token id, or false for an empty vocabulary.
func (t *Trie) MaxID() (uint32, bool) {
	if len(t.ids) == 0 {
		return 0, false
	}
	return t.ids[len(t.ids)-1], true
}

// Lookup returns the lowest id whose bytes are exactly text.
func (t *Trie) Lookup(text []byte) (uint32, bool) {
	n, ok := t.walk(text)
	if !ok {
		return 0, false
	}
	return t.first(n)
}

// LookupAll returns, ascending, every id whose bytes are exactly text.
func (t *Trie) LookupAll(text []byte) []uint32 {
	n, ok := t.walk(text)
	if !ok {
		return nil
	}
	return slices.Clone(t.termsAt(n))
}

// WithPrefix returns, in ascending order, the ids of all tokens whose bytes
// start with prefix. Only the subtree under prefix is visited.
func (t *Trie) WithPrefix(prefix []byte) []uint32 {
	start, ok := t.walk(prefix)
	if !ok {
		return nil
	}
	var out []uint32
	stack := []uint32{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nd := t.nodes[n]
		out = append(out, t.termsAt(n)...)
		for c := uint32(0); c < uint32(nd.childCount); c++ {
			stack = append(stack, nd.firstChild+c)
		}
	}
	slices.Sort(out)
	return out
}

// Walk visits every node below the root depth first, children in byte order.
// visit receives the node's path and the ids ending there, both valid only
// during the call; returning false skips the node's subtree.
func (t *Trie) Walk(visit func(prefix []byte, ids []uint32) bool) {
	var path []byte
	var walk func(n uint32)
	walk = func(n uint32) {
		nd := t.nodes[n]
		for c := nd.firstChild; c < nd.firstChild+uint32(nd.childCount); c++ {
			path = append(path, t.nodes[c].b)
			if visit(path, t.termsAt(c)) {
				walk(c)
			}
			path = path[:len(path)-1]
		}
	}
	walk(0)
}

// Children returns the bytes that may follow prefix in some token, ascending.
func (t *Trie) Children(prefix []byte) []byte {
	n, ok := t.walk(prefix)
	if !ok {
		return nil
	}
	nd := t.nodes[n]
	out := make([]byte, nd.childCount)
	for c := range out {
		out[c] = t.nodes[nd.firstChild+uint32(c)].b //nolint:gosec // G115: c < 256
	}
	return out
}

// LongestMatch returns the longest token that is a prefix of text and its
// length in bytes.
func (t *Trie) LongestMatch(text []byte) (id uint32, n int, ok bool) {
	cur := uint32(0)
	if tok, found := t.first(0); found {
		id, n, ok = tok, 0, true
	}
	for i, b := range text {
		next, found := t.child(cur, b)
		if !found {
			break
		}
		cur = next
		if tok, found := t.first(cur); found {
			id, n, ok = tok, i+1, true
		}
	}
	return id, n, ok
}

func (t *Trie) indexOf(id uint32) (int, bool) {
	i := sort.Search(len(t.ids), func(i int) bool { return t.ids[i] >= id })
	if i == len(t.ids) || t.ids[i] != id {
		return 0, false
	}
	return i, true
}

func (t *Trie) bytesAt(i int) []byte {
	off := t.offs[i]
	return t.text[off : off+t.lens[i]]
}

// termsAt returns the ids ending at node n. The slice aliases t.terms.
func (t *Trie) termsAt(n uint32) []uint32 {
	nd := t.nodes[n]
	return t.terms[nd.firstTerm : nd.firstTerm+nd.termCount]
}

func (t *Trie) first(n uint32) (uint32, bool) {
	if t.nodes[n].termCount == 0 {
		return 0, false
	}
	return t.terms[t.nodes[n].firstTerm], true
}

func (t *Trie) walk(prefix []byte) (uint32, bool) {
	cur := uint32(0)
	for _, b := range prefix {
		next, ok := t.child(cur, b)
		if !ok {
			return 0, false
		}
		cur = next
	}
	return cur, true
}

// child binary-searches the sorted siblings of n for byte b.
func (t *Trie) child(n uint32, b byte) (uint32, bool) {
	nd := t.nodes[n]
	lo, hi := nd.firstChild, nd.firstChild+uint32(nd.childCount)
	for lo < hi {
		mid := lo + (hi-lo)/2
		switch cb := t.nodes[mid].b; {
		case cb == b:
			return mid, true
		case cb < b:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}
