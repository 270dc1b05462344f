package guest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

// a=0 b=1 c=2 ab=3 <e>=4, and 5 spells "a" like 0.
func regexTrie(t *testing.T) *toktrie.Trie {
	t.Helper()
	trie, err := toktrie.Build([]toktrie.Token{
		{ID: 0, Bytes: []byte("a")},
		{ID: 1, Bytes: []byte("b")},
		{ID: 2, Bytes: []byte("c")},
		{ID: 3, Bytes: []byte("ab")},
		{ID: 4, Bytes: []byte("<e>")},
		{ID: 5, Bytes: []byte("a")},
	})
	require.NoError(t, err)
	return trie
}

func allowedIDs(bias []float32) []uint32 {
	var out []uint32
	for i, v := range bias {
		if !math.IsInf(float64(v), -1) {
			out = append(out, uint32(i))
		}
	}
	return out
}

func TestRegex_Constrains(t *testing.T) {
	r, err := NewRegex(regexTrie(t), "ab*c", 4)
	require.NoError(t, err)
	seq := &Sequence{Bias: make([]float32, 6)}

	require.NoError(t, r.ProcessPrompt(seq))
	assert.Equal(t, []uint32{0, 3, 5}, allowedIDs(seq.Bias), "both tokens spelling a")
	assert.False(t, r.Matched())

	require.NoError(t, r.AppendToken(seq, 3))
	assert.Equal(t, []uint32{1, 2}, allowedIDs(seq.Bias))

	require.NoError(t, r.AppendToken(seq, 1))
	assert.Equal(t, []uint32{1, 2}, allowedIDs(seq.Bias))

	require.NoError(t, r.AppendToken(seq, 2))
	assert.True(t, r.Matched())
	assert.Zero(t, r.Allowed().Len())
	assert.Equal(t, []uint32{4}, allowedIDs(seq.Bias), "only the stop token once matched")

	require.NoError(t, r.AppendToken(seq, 4))
	assert.Equal(t, []uint32{4}, allowedIDs(seq.Bias))
}

func TestRegex_Anchors(t *testing.T) {
	r, err := NewRegex(regexTrie(t), `^a$`)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 5}, r.Allowed().IDs())

	seq := &Sequence{Bias: make([]float32, 6)}
	require.NoError(t, r.AppendToken(seq, 5))
	assert.True(t, r.Matched())
	assert.Empty(t, allowedIDs(seq.Bias))
}

func TestRegex_Mismatch(t *testing.T) {
	r, err := NewRegex(regexTrie(t), "ab*c")
	require.NoError(t, err)
	seq := &Sequence{Bias: make([]float32, 6)}

	assert.ErrorIs(t, r.AppendToken(seq, 2), ErrPatternMismatch)
	assert.ErrorIs(t, r.AppendToken(seq, 42), ErrPatternMismatch)

	require.NoError(t, r.AppendToken(seq, 0), "state unchanged by the rejected tokens")
}

func TestRegex_Errors(t *testing.T) {
	_, err := NewRegex(regexTrie(t), "a(")
	assert.Error(t, err)
	_, err = NewRegex(regexTrie(t), `\ba`)
	assert.ErrorContains(t, err, "word boundaries")
}

func TestRegex_DeadBranchesPruned(t *testing.T) {
	// The second alternative needs a rune no byte can spell.
	r, err := NewRegex(regexTrie(t), "ab|a世")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 3, 5}, r.Allowed().IDs())

	require.NoError(t, r.AppendToken(&Sequence{Bias: make([]float32, 6)}, 0))
	assert.Equal(t, []uint32{1}, r.Allowed().IDs())
}

func TestRunner_RegexArg(t *testing.T) {
	h := scenarioHost(t)
	h.arg = []byte("a+")
	r := NewRunner(h, RegexArg)

	aici, err := r.Create()
	require.NoError(t, err)
	s := bind(t, r, aici, []uint32{0}, 4, 3)

	require.NoError(t, r.ProcessPrompt(aici))
	assert.Equal(t, []uint32{0}, allowedIDs(s.seq.Bias))
	require.NoError(t, r.AppendToken(aici, 0))
	assert.Equal(t, []uint32{0}, allowedIDs(s.seq.Bias))
	assert.Error(t, r.AppendToken(aici, 1), "b cannot continue a+")
}

func TestTokenSet(t *testing.T) {
	var s TokenSet
	for _, id := range []uint32{200, 0, 64, 63} {
		s.Add(id)
	}
	s.Add(64)

	assert.Equal(t, 4, s.Len())
	assert.True(t, s.Has(63))
	assert.False(t, s.Has(65))
	assert.False(t, s.Has(10_000))
	assert.Equal(t, []uint32{0, 63, 64, 200}, s.IDs())
}
