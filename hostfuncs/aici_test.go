package hostfuncs

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/aici-sdk/go/internal/testutil"
	"github.com/reglet-dev/aici-sdk/go/tokenizer"
	"github.com/reglet-dev/aici-sdk/go/toktrie"
)

func scenarioEnv(t *testing.T) (*Env, *toktrie.Trie) {
	t.Helper()
	trie, err := toktrie.Build([]toktrie.Token{
		{ID: 0, Bytes: []byte("a")},
		{ID: 1, Bytes: []byte("b")},
		{ID: 2, Bytes: []byte("ab")},
		{ID: 3, Bytes: []byte("c")},
	})
	require.NoError(t, err)
	blob, err := toktrie.NewBlob(trie)
	require.NoError(t, err)
	return &Env{
		Trie:      blob,
		Arg:       []byte(`{"regex":"a+"}`),
		Tokenizer: tokenizer.NewBridge(tokenizer.NewGreedy(trie), nil),
	}, trie
}

func TestReadTokenTrie_SizeThenRetrieve(t *testing.T) {
	env, trie := scenarioEnv(t)
	ctx := WithEnv(context.Background(), env)
	mem := testutil.NewMemory(1)

	size := ReadTokenTrie(ctx, mem, 0, 0)
	require.Equal(t, uint32(trie.EncodedSize()), size)

	dst := mem.Alloc(size)
	decode := func() []toktrie.Token {
		require.Equal(t, size, ReadTokenTrie(ctx, mem, dst, size))
		raw, ok := mem.Read(dst, size)
		require.True(t, ok)
		decoded, err := toktrie.Decode(bytes.Clone(raw))
		require.NoError(t, err)
		return decoded.Tokens()
	}
	first := decode()
	second := decode()
	assert.Equal(t, first, second)
	assert.Equal(t, trie.Tokens(), first)
}

func TestReadTokenTrie_Truncated(t *testing.T) {
	env, _ := scenarioEnv(t)
	ctx := WithEnv(context.Background(), env)
	mem := testutil.NewMemory(1)

	dst := mem.Alloc(16)
	require.True(t, mem.Write(dst+4, []byte{0xAA}))
	size := ReadTokenTrie(ctx, mem, dst, 4)
	assert.Greater(t, size, uint32(4))

	raw, _ := mem.Read(dst, 5)
	assert.Equal(t, []byte(toktrie.Magic), raw[:4])
	assert.Equal(t, byte(0xAA), raw[4], "nothing written past capacity")
}

func TestReadTokenTrie_NoTrie(t *testing.T) {
	mem := testutil.NewMemory(1)
	assert.Zero(t, ReadTokenTrie(context.Background(), mem, 16, 64))
}

func TestReadArg(t *testing.T) {
	env, _ := scenarioEnv(t)
	ctx := WithEnv(context.Background(), env)
	mem := testutil.NewMemory(1)

	size := ReadArg(ctx, mem, 0, 0)
	require.Equal(t, uint32(len(env.Arg)), size)

	dst := mem.Alloc(size)
	for range 2 {
		require.Equal(t, size, ReadArg(ctx, mem, dst, size))
		raw, _ := mem.Read(dst, size)
		assert.Equal(t, env.Arg, raw)
	}

	t.Run("destination outside memory", func(t *testing.T) {
		assert.Equal(t, size, ReadArg(ctx, mem, mem.Size()-2, size), "true size still reported")
	})
}

func TestTokenize(t *testing.T) {
	env, _ := scenarioEnv(t)
	ctx := WithEnv(context.Background(), env)
	mem := testutil.NewMemory(1)

	src := mem.Alloc(3)
	require.True(t, mem.Write(src, []byte("abc")))

	count := Tokenize(ctx, mem, src, 3, 0, 0)
	require.Equal(t, uint32(2), count)

	dst := mem.Alloc(count * 4)
	assert.Equal(t, count, Tokenize(ctx, mem, src, 3, dst, count))
	assert.Equal(t, []uint32{2, 3}, mem.Uint32s(dst, count))

	short := mem.Alloc(8)
	require.True(t, mem.Write(short+4, []byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.Equal(t, count, Tokenize(ctx, mem, src, 3, short, 1))
	assert.Equal(t, []uint32{2, 0xFFFFFFFF}, mem.Uint32s(short, 2))

	t.Run("unreadable source", func(t *testing.T) {
		assert.Zero(t, Tokenize(ctx, mem, mem.Size()-1, 8, dst, count))
	})
	t.Run("destination outside memory", func(t *testing.T) {
		assert.Equal(t, count, Tokenize(ctx, mem, src, 3, mem.Size()-4, count))
	})
	t.Run("no tokenizer", func(t *testing.T) {
		assert.Zero(t, Tokenize(context.Background(), mem, src, 3, dst, count))
	})
}

func TestPrint(t *testing.T) {
	mem := testutil.NewMemory(1)
	msg := mem.Alloc(5)
	require.True(t, mem.Write(msg, []byte("hello")))

	t.Run("output", func(t *testing.T) {
		out := NewBoundedBuffer(3)
		ctx := WithEnv(context.Background(), &Env{Output: out})
		Print(ctx, mem, msg, 5)
		assert.Equal(t, "hel", out.String())
		assert.True(t, out.Truncated())
	})

	t.Run("logger", func(t *testing.T) {
		var logs bytes.Buffer
		ctx := WithEnv(context.Background(), &Env{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
		Print(ctx, mem, msg, 5)
		assert.Contains(t, logs.String(), "text=hello")

		logs.Reset()
		Print(ctx, mem, mem.Size(), 5)
		assert.Contains(t, logs.String(), "outside guest memory")
	})
}

func TestSizedCopy(t *testing.T) {
	mem := testutil.NewMemory(1)
	dst := mem.Alloc(8)

	size, ok := SizedCopy(mem, dst, 2, []byte("abcd"))
	assert.Equal(t, uint32(4), size)
	assert.True(t, ok)
	raw, _ := mem.Read(dst, 4)
	assert.Equal(t, []byte{'a', 'b', 0, 0}, raw)

	size, ok = SizedCopy(mem, mem.Size(), 4, []byte("abcd"))
	assert.Equal(t, uint32(4), size)
	assert.False(t, ok)

	size, ok = SizedCopy(mem, 0, 0, nil)
	assert.Zero(t, size)
	assert.True(t, ok)
}
