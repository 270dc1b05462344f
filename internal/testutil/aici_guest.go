package testutil

// Fixed layout of the guest built by AICIGuest.
const (
	GuestTrieSizeAddr  = 32
	GuestTokCountAddr  = 36
	GuestPosAddr       = 40
	GuestArgSizeAddr   = 48
	GuestClockAddr     = 56
	GuestArgAddr       = 64
	GuestArgCap        = 64
	GuestTokensAddr    = 128
	GuestTokensCap     = 4
	GuestPromptAddr    = 1024
	GuestBiasAddr      = 4096
	GuestMaskAddr      = 8192
	GuestTokenizeInput = "abc"

	// GuestPromptBias is written at bias[1] by prompt processing.
	GuestPromptBias = 5.0
	// GuestAppendBias is written at bias[tok] by every append.
	GuestAppendBias = -10.0
	// GuestMaskValue is written at each appended position.
	GuestMaskValue = 0.0
)

// AICIGuestOptions varies the guest built by AICIGuest.
type AICIGuestOptions struct {
	// NoFree omits the aici_free export.
	NoFree bool
	// TrapOnAppend makes aici_append_token hit unreachable.
	TrapOnAppend bool
	// ModuleName is the import module of the host calls (default "env").
	ModuleName string
	// ReadClock makes aici_init store the WASI realtime clock, in
	// nanoseconds, at GuestClockAddr.
	ReadClock bool
}

// AICIGuest assembles a small AICI guest module with one page of memory.
//
// aici_init prints "ready", stores the trie size, the argument size and
// bytes, and the tokenization of "abc" at the Guest*Addr locations.
// Buffers live at fixed addresses, so sessions must stay small: prompt up to
// 768 tokens, vocabulary up to 1024 and mask up to 2048 positions per the
// layout. Prompt processing sets bias[1]; each append sets bias[tok] and the
// mask at the next position.
func AICIGuest(opts AICIGuestOptions) []byte {
	mod := opts.ModuleName
	if mod == "" {
		mod = "env"
	}

	m := &WasmModule{}
	hostPrint := m.Import(mod, "aici_host_print", 2, 0)
	readArg := m.Import(mod, "aici_host_read_arg", 2, 1)
	readTrie := m.Import(mod, "aici_host_read_token_trie", 2, 1)
	tokenize := m.Import(mod, "aici_host_tokenize", 4, 1)
	var clock uint32
	if opts.ReadClock {
		clock = m.ImportSig("wasi_snapshot_preview1", "clock_time_get", []byte{I32, I64, I32}, []byte{I32})
	}
	m.Memory(1)
	m.Data(16, []byte("ready"))
	m.Data(24, []byte(GuestTokenizeInput))

	initBody := [][]byte{
		I32Const(16), I32Const(5), Call(hostPrint),
		I32Const(GuestTrieSizeAddr), I32Const(0), I32Const(0), Call(readTrie), I32Store(0),
		I32Const(GuestArgSizeAddr), I32Const(GuestArgAddr), I32Const(GuestArgCap), Call(readArg), I32Store(0),
		I32Const(GuestTokCountAddr),
		I32Const(24), I32Const(int32(len(GuestTokenizeInput))), I32Const(GuestTokensAddr), I32Const(GuestTokensCap),
		Call(tokenize), I32Store(0),
	}
	if opts.ReadClock {
		// clock_time_get(realtime, precision 1, GuestClockAddr)
		initBody = append(initBody, I32Const(0), I64Const(1), I32Const(GuestClockAddr), Call(clock), Drop())
	}
	m.Func("aici_init", 0, 0, initBody...)
	m.Func("aici_create", 0, 1, I32Const(1))
	m.Func("aici_get_prompt_buffer", 2, 1,
		I32Const(GuestPosAddr), LocalGet(1), I32Store(0),
		I32Const(GuestPromptAddr),
	)
	m.Func("aici_get_logit_bias_buffer", 2, 1, I32Const(GuestBiasAddr))
	m.Func("aici_get_dynamic_attention_mask_buffer", 2, 1, I32Const(GuestMaskAddr))
	m.Func("aici_process_prompt", 1, 0,
		I32Const(GuestBiasAddr), F32Const(GuestPromptBias), F32Store(4),
	)

	var appendBody [][]byte
	if opts.TrapOnAppend {
		appendBody = append(appendBody, Unreachable())
	}
	appendBody = append(appendBody,
		// bias[tok] = GuestAppendBias
		LocalGet(1), I32Const(2), I32Shl(), I32Const(GuestBiasAddr), I32Add(),
		F32Const(GuestAppendBias), F32Store(0),
		// mask[pos] = GuestMaskValue
		I32Const(GuestPosAddr), I32Load(0), I32Const(2), I32Shl(), I32Const(GuestMaskAddr), I32Add(),
		F32Const(GuestMaskValue), F32Store(0),
		// pos++
		I32Const(GuestPosAddr), I32Const(GuestPosAddr), I32Load(0), I32Const(1), I32Add(), I32Store(0),
	)
	m.Func("aici_append_token", 2, 0, appendBody...)
	if !opts.NoFree {
		m.Func("aici_free", 1, 0)
	}
	return m.Bytes()
}
