package toktrie

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode builds a trie from tokens and returns its binary encoding.
func Encode(tokens []Token) ([]byte, error) {
	t, err := Build(tokens)
	if err != nil {
		return nil, err
	}
	return t.MarshalBinary()
}

// Decode parses and validates an encoding produced by Encode.
// The returned Trie does not alias data.
func Decode(data []byte) (*Trie, error) {
	t := &Trie{}
	if err := t.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return t, nil
}

// EncodedSize returns the length of the binary encoding of t.
func (t *Trie) EncodedSize() int {
	return int(encodedSize(uint64(len(t.ids)), uint64(len(t.nodes)), uint64(len(t.text)))) //nolint:gosec // G115: sizes fit in memory already
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t *Trie) MarshalBinary() ([]byte, error) {
	buf := make([]byte, t.EncodedSize())
	le := binary.LittleEndian

	copy(buf[0:4], Magic)
	le.PutUint16(buf[4:6], Version)
	le.PutUint16(buf[6:8], 0)
	le.PutUint32(buf[8:12], uint32(len(t.ids)))    //nolint:gosec // G115: checked in Build
	le.PutUint32(buf[12:16], uint32(len(t.nodes))) //nolint:gosec // G115: bounded by text length
	le.PutUint32(buf[16:20], uint32(len(t.text)))  //nolint:gosec // G115: checked in Build

	off := headerSize
	for i, id := range t.ids {
		le.PutUint32(buf[off:], id)
		le.PutUint32(buf[off+4:], t.offs[i])
		le.PutUint32(buf[off+8:], t.lens[i])
		off += tokenEntrySize
	}

	off += copy(buf[off:], t.text)

	for _, n := range t.nodes {
		le.PutUint32(buf[off:], n.firstTerm)
		le.PutUint32(buf[off+4:], n.termCount)
		le.PutUint32(buf[off+8:], n.firstChild)
		le.PutUint16(buf[off+12:], n.childCount)
		buf[off+14] = n.b
		buf[off+15] = 0
		off += nodeEntrySize
	}

	for _, id := range t.terms {
		le.PutUint32(buf[off:], id)
		off += termEntrySize
	}
	return buf, nil
}

// WriteTo implements io.WriterTo.
func (t *Trie) WriteTo(w io.Writer) (int64, error) {
	buf, err := t.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The encoding is
// fully validated: table bounds, ascending ids, tree shape, and that every
// token ends at exactly one node whose path spells it.
func (t *Trie) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if string(data[0:4]) != Magic {
		return ErrInvalidMagic
	}
	le := binary.LittleEndian
	if v := le.Uint16(data[4:6]); v != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	numTokens := le.Uint32(data[8:12])
	numNodes := le.Uint32(data[12:16])
	textLen := le.Uint32(data[16:20])
	if want := encodedSize(uint64(numTokens), uint64(numNodes), uint64(textLen)); want != uint64(len(data)) {
		return fmt.Errorf("%w: header describes %d bytes, got %d", ErrCorrupt, want, len(data))
	}
	if numNodes == 0 {
		return fmt.Errorf("%w: missing root node", ErrCorrupt)
	}

	ids := make([]uint32, numTokens)
	offs := make([]uint32, numTokens)
	lens := make([]uint32, numTokens)
	off := headerSize
	for i := range ids {
		id := le.Uint32(data[off:])
		o := le.Uint32(data[off+4:])
		l := le.Uint32(data[off+8:])
		off += tokenEntrySize

		if id == NoToken {
			return fmt.Errorf("%w: entry %d uses the reserved id", ErrCorrupt, i)
		}
		if i > 0 && id <= ids[i-1] {
			return fmt.Errorf("%w: token ids not strictly ascending at entry %d", ErrCorrupt, i)
		}
		if uint64(o)+uint64(l) > uint64(textLen) {
			return fmt.Errorf("%w: token %d text out of range", ErrCorrupt, id)
		}
		ids[i], offs[i], lens[i] = id, o, l
	}

	text := make([]byte, textLen)
	off += copy(text, data[off:off+int(textLen)])

	nodes := make([]node, numNodes)
	for i := range nodes {
		nodes[i] = node{
			firstTerm:  le.Uint32(data[off:]),
			termCount:  le.Uint32(data[off+4:]),
			firstChild: le.Uint32(data[off+8:]),
			childCount: le.Uint16(data[off+12:]),
			b:          data[off+14],
		}
		off += nodeEntrySize
	}

	terms := make([]uint32, numTokens)
	for i := range terms {
		terms[i] = le.Uint32(data[off:])
		off += termEntrySize
	}

	decoded := &Trie{ids: ids, offs: offs, lens: lens, text: text, nodes: nodes, terms: terms}
	if err := decoded.validate(); err != nil {
		return err
	}
	*t = *decoded
	return nil
}

func (t *Trie) validate() error {
	numNodes := uint32(len(t.nodes)) //nolint:gosec // G115: read from a u32 field
	parent := make([]uint32, numNodes)
	claimed := make([]bool, numNodes)
	depth := make([]uint32, numNodes)

	for i, n := range t.nodes {
		idx := uint32(i) //nolint:gosec // G115: i < numNodes
		if n.childCount == 0 {
			continue
		}
		end := uint64(n.firstChild) + uint64(n.childCount)
		if n.firstChild <= idx || end > uint64(numNodes) {
			return fmt.Errorf("%w: node %d children out of range", ErrCorrupt, i)
		}
		for c := n.firstChild; c < uint32(end); c++ {
			if claimed[c] {
				return fmt.Errorf("%w: node %d has two parents", ErrCorrupt, c)
			}
			if c > n.firstChild && t.nodes[c].b <= t.nodes[c-1].b {
				return fmt.Errorf("%w: children of node %d not sorted", ErrCorrupt, i)
			}
			claimed[c] = true
			parent[c] = idx
			depth[c] = depth[idx] + 1
		}
	}
	for i := uint32(1); i < numNodes; i++ {
		if !claimed[i] {
			return fmt.Errorf("%w: node %d is unreachable", ErrCorrupt, i)
		}
	}

	// Runs partition the terms table in node order; every token ends at
	// exactly one node, and that node's path spells it.
	seen := make([]bool, len(t.ids))
	var cursor uint64
	for i, n := range t.nodes {
		if uint64(n.firstTerm) != cursor && n.termCount > 0 {
			return fmt.Errorf("%w: node %d terminal run out of order", ErrCorrupt, i)
		}
		end := uint64(n.firstTerm) + uint64(n.termCount)
		if end > uint64(len(t.terms)) {
			return fmt.Errorf("%w: node %d terminal run out of range", ErrCorrupt, i)
		}
		if n.termCount == 0 {
			continue
		}
		cursor = end
		run := t.terms[n.firstTerm:end]
		for k, id := range run {
			if k > 0 && id <= run[k-1] {
				return fmt.Errorf("%w: node %d terminal ids not ascending", ErrCorrupt, i)
			}
			ti, ok := t.indexOf(id)
			if !ok {
				return fmt.Errorf("%w: node %d references unknown token %d", ErrCorrupt, i, id)
			}
			if seen[ti] {
				return fmt.Errorf("%w: token %d ends at two nodes", ErrCorrupt, id)
			}
			seen[ti] = true
			if err := t.spells(uint32(i), depth[i], parent, t.bytesAt(ti)); err != nil { //nolint:gosec // G115: i < numNodes
				return fmt.Errorf("%w: token %d: %w", ErrCorrupt, id, err)
			}
		}
	}
	if cursor != uint64(len(t.terms)) {
		return fmt.Errorf("%w: %d of %d tokens placed in the trie", ErrCorrupt, cursor, len(t.terms))
	}
	return nil
}

// spells checks that the path from the root to node n is want.
func (t *Trie) spells(n, depth uint32, parent []uint32, want []byte) error {
	if uint32(len(want)) != depth { //nolint:gosec // G115: bounded by text length
		return fmt.Errorf("node %d depth %d, token length %d", n, depth, len(want))
	}
	cur := n
	for k := len(want) - 1; k >= 0; k-- {
		if t.nodes[cur].b != want[k] {
			return fmt.Errorf("node %d path does not spell the token", n)
		}
		cur = parent[cur]
	}
	return nil
}
