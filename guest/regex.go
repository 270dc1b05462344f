package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"regexp/syntax"
	"slices"

	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// ErrPatternMismatch is returned when an appended token cannot continue the
// pattern of a Regex controller.
var ErrPatternMismatch = errors.New("guest: token does not continue the pattern")

// TokenSet is a set of token ids.
type TokenSet struct {
	words []uint64
}

// Add inserts id.
func (s *TokenSet) Add(id uint32) {
	w := int(id / 64)
	if w >= len(s.words) {
		s.words = append(s.words, make([]uint64, w+1-len(s.words))...)
	}
	s.words[w] |= 1 << (id % 64)
}

// Has reports whether id is in the set.
func (s *TokenSet) Has(id uint32) bool {
	w := int(id / 64)
	return w < len(s.words) && s.words[w]&(1<<(id%64)) != 0
}

// Len returns the number of ids in the set.
func (s *TokenSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// IDs returns the ids in ascending order.
func (s *TokenSet) IDs() []uint32 {
	out := make([]uint32, 0, s.Len())
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, uint32(i*64+b)) //nolint:gosec // G115: built from u32 ids
			w &= w - 1
		}
	}
	return out
}

// Regex constrains generation to text matching a regular expression anchored
// at both ends. Matching is byte by byte, each byte read as the rune of the
// same value, so patterns should stick to ASCII. Line anchors hold only at the
// ends of the text. Word boundaries are rejected.
//
// The tokens allowed after a given matcher state are found with one walk of
// the token trie and cached per state.
type Regex struct {
	trie     *toktrie.Trie
	prog     *syntax.Prog
	live     []bool
	stop     []uint32
	state    []uint32
	possible map[string]*TokenSet
	stopped  bool
}

// NewRegex returns a controller allowing only tokens that keep the text a
// prefix of some match. Once the text matches, stop tokens are allowed too.
func NewRegex(trie *toktrie.Trie, pattern string, stop ...uint32) (*Regex, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("guest: pattern: %w", err)
	}
	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, fmt.Errorf("guest: pattern: %w", err)
	}
	for _, inst := range prog.Inst {
		if inst.Op == syntax.InstEmptyWidth &&
			syntax.EmptyOp(inst.Arg)&(syntax.EmptyWordBoundary|syntax.EmptyNoWordBoundary) != 0 {
			return nil, fmt.Errorf("guest: pattern %q: word boundaries are not supported", pattern)
		}
	}

	r := &Regex{
		trie:     trie,
		prog:     prog,
		live:     liveInsts(prog),
		stop:     slices.Clone(stop),
		possible: make(map[string]*TokenSet),
	}
	r.state = r.closure([]uint32{uint32(prog.Start)}, syntax.EmptyBeginText|syntax.EmptyBeginLine) //nolint:gosec // G115: instruction index
	return r, nil
}

// RegexArg is a Factory reading the pattern from the session argument.
func RegexArg(h Host, arg []byte) (Controller, error) {
	trie, err := TokenTrie(h)
	if err != nil {
		return nil, err
	}
	return NewRegex(trie, string(arg))
}

// Matched reports whether the text so far is a complete match.
func (r *Regex) Matched() bool {
	for _, pc := range r.closure(r.state, syntax.EmptyEndText|syntax.EmptyEndLine) {
		if r.prog.Inst[pc].Op == syntax.InstMatch {
			return true
		}
	}
	return false
}

// Allowed returns the tokens that may follow the text so far, stop tokens
// excluded.
func (r *Regex) Allowed() *TokenSet {
	return r.possibleTokens(r.state)
}

func (r *Regex) ProcessPrompt(seq *Sequence) error {
	r.constrain(seq)
	return nil
}

func (r *Regex) AppendToken(seq *Sequence, tok uint32) error {
	if r.stopped || (slices.Contains(r.stop, tok) && r.Matched()) {
		r.stopped = true
		r.constrain(seq)
		return nil
	}
	text, ok := r.trie.TokenBytes(tok)
	if !ok {
		return fmt.Errorf("%w: unknown token %d", ErrPatternMismatch, tok)
	}
	next := r.state
	for _, b := range text {
		if next = r.step(next, b); len(next) == 0 {
			return fmt.Errorf("%w: token %d (%q)", ErrPatternMismatch, tok, text)
		}
	}
	r.state = next
	r.constrain(seq)
	return nil
}

func (r *Regex) constrain(seq *Sequence) {
	if r.stopped {
		seq.Allow(r.stop...)
		return
	}
	ids := r.Allowed().IDs()
	if r.Matched() {
		ids = append(ids, r.stop...)
	}
	seq.Allow(ids...)
}

func (r *Regex) possibleTokens(state []uint32) *TokenSet {
	key := stateKey(state)
	if set, ok := r.possible[key]; ok {
		return set
	}
	set := &TokenSet{}
	states := [][]uint32{state}
	r.trie.Walk(func(prefix []byte, ids []uint32) bool {
		d := len(prefix)
		next := r.step(states[d-1], prefix[d-1])
		if len(next) == 0 {
			return false
		}
		states = append(states[:d], next)
		for _, id := range ids {
			set.Add(id)
		}
		return true
	})
	r.possible[key] = set
	return set
}

// step consumes b from state.
func (r *Regex) step(state []uint32, b byte) []uint32 {
	var next []uint32
	for _, pc := range state {
		if inst := &r.prog.Inst[pc]; matchByte(inst, b) {
			next = append(next, inst.Out)
		}
	}
	if len(next) == 0 {
		return nil
	}
	return r.closure(next, 0)
}

// closure follows the non-consuming instructions from pcs. Empty-width
// assertions ctx does not satisfy stay in the result, since they may hold at
// the end of the text.
func (r *Regex) closure(pcs []uint32, ctx syntax.EmptyOp) []uint32 {
	seen := make(map[uint32]bool, len(pcs))
	stack := slices.Clone(pcs)
	var out []uint32
	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[pc] || !r.live[pc] {
			continue
		}
		seen[pc] = true

		inst := &r.prog.Inst[pc]
		switch inst.Op {
		case syntax.InstAlt, syntax.InstAltMatch:
			stack = append(stack, inst.Out, inst.Arg)
		case syntax.InstCapture, syntax.InstNop:
			stack = append(stack, inst.Out)
		case syntax.InstEmptyWidth:
			if syntax.EmptyOp(inst.Arg)&^ctx == 0 {
				stack = append(stack, inst.Out)
			} else {
				out = append(out, pc)
			}
		case syntax.InstFail:
		default:
			out = append(out, pc)
		}
	}
	slices.Sort(out)
	return out
}

func matchByte(inst *syntax.Inst, b byte) bool {
	switch inst.Op {
	case syntax.InstRune, syntax.InstRune1:
		return inst.MatchRune(rune(b))
	case syntax.InstRuneAny:
		return true
	case syntax.InstRuneAnyNotNL:
		return b != '\n'
	}
	return false
}

// liveInsts marks the instructions from which a match is reachable by
// consuming bytes.
func liveInsts(prog *syntax.Prog) []bool {
	live := make([]bool, len(prog.Inst))
	for changed := true; changed; {
		changed = false
		for pc := range prog.Inst {
			if live[pc] {
				continue
			}
			inst := &prog.Inst[pc]
			var ok bool
			switch inst.Op {
			case syntax.InstMatch:
				ok = true
			case syntax.InstAlt, syntax.InstAltMatch:
				ok = live[inst.Out] || live[inst.Arg]
			case syntax.InstCapture, syntax.InstNop, syntax.InstEmptyWidth, syntax.InstRuneAny, syntax.InstRuneAnyNotNL:
				ok = live[inst.Out]
			case syntax.InstRune, syntax.InstRune1:
				ok = live[inst.Out] && matchesSomeByte(inst)
			}
			if ok {
				live[pc] = true
				changed = true
			}
		}
	}
	return live
}

func matchesSomeByte(inst *syntax.Inst) bool {
	for b := range 256 {
		if inst.MatchRune(rune(b)) {
			return true
		}
	}
	return false
}

func stateKey(state []uint32) string {
	b := make([]byte, 0, 4*len(state))
	for _, pc := range state {
		b = binary.LittleEndian.AppendUint32(b, pc)
	}
	return string(b)
}
