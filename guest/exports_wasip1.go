//go:build wasip1

package guest

import (
	"sync"

	"github.com/reglet-dev/aici-sdk/go/internal/abi"
)

//go:wasmimport env aici_host_print
//nolint:revive // intentional snake_case to match WASM import convention
func aici_host_print(ptr, size uint32)

//go:wasmimport env aici_host_read_token_trie
//nolint:revive // intentional snake_case to match WASM import convention
func aici_host_read_token_trie(dst, size uint32) uint32

//go:wasmimport env aici_host_read_arg
//nolint:revive // intentional snake_case to match WASM import convention
func aici_host_read_arg(dst, size uint32) uint32

//go:wasmimport env aici_host_tokenize
//nolint:revive // intentional snake_case to match WASM import convention
func aici_host_tokenize(src, srcSize, dst, dstSize uint32) uint32

// wasmHost calls the imported host functions.
type wasmHost struct{}

func (wasmHost) Print(p []byte) {
	aici_host_print(abi.BytesAddr(p), uint32(len(p))) //nolint:gosec // G115: wasm32 lengths fit
}

func (wasmHost) ReadTokenTrie(dst []byte) uint32 {
	return aici_host_read_token_trie(abi.BytesAddr(dst), uint32(len(dst))) //nolint:gosec // G115: wasm32 lengths fit
}

func (wasmHost) ReadArg(dst []byte) uint32 {
	return aici_host_read_arg(abi.BytesAddr(dst), uint32(len(dst))) //nolint:gosec // G115: wasm32 lengths fit
}

func (wasmHost) Tokenize(src []byte, dst []uint32) uint32 {
	//nolint:gosec // G115: wasm32 lengths fit
	return aici_host_tokenize(abi.BytesAddr(src), uint32(len(src)), abi.Addr(dst), uint32(len(dst)))
}

// HostWriter writes to the host print function.
func HostWriter() Writer {
	return Writer{Host: wasmHost{}}
}

var (
	runner  *Runner
	factory Factory
	once    sync.Once
)

// Register installs the controller factory. Call it from main.
func Register(f Factory) {
	factory = f
}

func current() *Runner {
	once.Do(func() {
		if factory == nil {
			panic("guest: no controller registered")
		}
		runner = NewRunner(wasmHost{}, factory)
	})
	return runner
}

// must turns an error into a trap the host reports as a guest failure.
func must(err error) {
	if err != nil {
		HostWriter().Write([]byte(err.Error() + "\n")) //nolint:errcheck // best effort before trapping
		panic(err)
	}
}

//go:wasmexport aici_init
func aiciInit() {
	current()
}

//go:wasmexport aici_create
func aiciCreate() uint32 {
	aici, err := current().Create()
	must(err)
	return aici
}

//go:wasmexport aici_get_prompt_buffer
func aiciGetPromptBuffer(aici, size uint32) uint32 {
	buf, err := current().PromptBuffer(aici, size)
	must(err)
	return abi.Addr(buf)
}

//go:wasmexport aici_get_logit_bias_buffer
func aiciGetLogitBiasBuffer(aici, size uint32) uint32 {
	buf, err := current().BiasBuffer(aici, size)
	must(err)
	return abi.Addr(buf)
}

//go:wasmexport aici_get_dynamic_attention_mask_buffer
func aiciGetDynamicAttentionMaskBuffer(aici, size uint32) uint32 {
	buf, err := current().MaskBuffer(aici, size)
	must(err)
	return abi.Addr(buf)
}

//go:wasmexport aici_process_prompt
func aiciProcessPrompt(aici uint32) {
	must(current().ProcessPrompt(aici))
}

//go:wasmexport aici_append_token
func aiciAppendToken(aici, tok uint32) {
	must(current().AppendToken(aici, tok))
}

//go:wasmexport aici_free
func aiciFree(aici uint32) {
	current().Free(aici)
}
