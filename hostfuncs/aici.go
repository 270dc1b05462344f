package hostfuncs

import (
	"context"
	"encoding/binary"

	"github.com/reglet-dev/aici-sdk/go/buffers"
)

// Export names of the host module.
const (
	PrintName         = "aici_host_print"
	ReadTokenTrieName = "aici_host_read_token_trie"
	ReadArgName       = "aici_host_read_arg"
	TokenizeName      = "aici_host_tokenize"
)

// SizedCopy implements the two-phase size/retrieve contract: it copies up to
// capacity bytes of src to dst in guest memory and returns len(src). When the
// destination does not fit in memory nothing is written and ok is false; the
// true size is still returned.
func SizedCopy(mem buffers.Memory, dst, capacity uint32, src []byte) (size uint32, ok bool) {
	size = uint32(len(src)) //nolint:gosec // G115: sources are bounded by u32 sizes
	n := min(capacity, size)
	if n == 0 {
		return size, true
	}
	return size, mem.Write(dst, src[:n])
}

// Print logs len bytes at ptr as a guest diagnostic. It never fails the guest.
func Print(ctx context.Context, mem buffers.Memory, ptr, length uint32) {
	env := EnvFrom(ctx)
	if length == 0 {
		return
	}
	msg, ok := mem.Read(ptr, length)
	if !ok {
		env.logger().WarnContext(ctx, "hostfuncs: print outside guest memory", "ptr", ptr, "len", length)
		return
	}
	if env.Output != nil {
		_, _ = env.Output.Write(msg)
		return
	}
	env.logger().InfoContext(ctx, "guest print", "text", string(msg))
}

// ReadTokenTrie copies the trie encoding into dst and returns its full size,
// or 0 when no trie is published.
func ReadTokenTrie(ctx context.Context, mem buffers.Memory, dst, capacity uint32) uint32 {
	env := EnvFrom(ctx)
	size := env.Trie.Size()
	n := min(capacity, size)
	if n == 0 {
		return size
	}
	view, ok := mem.Read(dst, n)
	if !ok {
		env.logger().WarnContext(ctx, "hostfuncs: trie destination outside guest memory", "dst", dst, "capacity", capacity)
		return size
	}
	env.Trie.ReadInto(view)
	return size
}

// ReadArg copies the session argument into dst and returns its full size.
func ReadArg(ctx context.Context, mem buffers.Memory, dst, capacity uint32) uint32 {
	env := EnvFrom(ctx)
	size, ok := SizedCopy(mem, dst, capacity, env.Arg)
	if !ok {
		env.logger().WarnContext(ctx, "hostfuncs: argument destination outside guest memory", "dst", dst, "capacity", capacity)
	}
	return size
}

// Tokenize tokenizes srcLen bytes at src, writes up to capacity tokens to dst
// and returns the full token count. An unreadable source or a failed
// tokenization returns 0.
func Tokenize(ctx context.Context, mem buffers.Memory, src, srcLen, dst, capacity uint32) uint32 {
	env := EnvFrom(ctx)
	if env.Tokenizer == nil {
		return 0
	}
	text, ok := mem.Read(src, srcLen)
	if !ok {
		env.logger().WarnContext(ctx, "hostfuncs: tokenize source outside guest memory", "src", src, "len", srcLen)
		return 0
	}

	var out []uint32
	if capacity > 0 && uint64(dst)+uint64(capacity)*4 <= uint64(mem.Size()) {
		out = make([]uint32, capacity)
	}
	count := env.Tokenizer.Tokenize(ctx, text, out)
	n := min(capacity, count)
	if n == 0 {
		return count
	}
	if out == nil {
		env.logger().WarnContext(ctx, "hostfuncs: tokenize destination outside guest memory", "dst", dst, "capacity", capacity)
		return count
	}

	buf := make([]byte, n*4)
	for i := uint32(0); i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], out[i])
	}
	mem.Write(dst, buf)
	return count
}
