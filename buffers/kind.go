// Package buffers keeps the host-side record of the regions a guest allocated
// for a session (prompt, logit bias, dynamic attention mask) and provides
// bounds-checked views over them.
//
// The guest owns the memory; the host only holds (address, length) pairs that
// were validated against the guest's linear memory when they were bound.
package buffers

// Kind identifies one of the three per-session buffers.
type Kind uint8

const (
	Prompt Kind = iota
	LogitBias
	DynamicMask

	numKinds = 3
)

// ElementSize is the size in bytes of every buffer element (token_t or f32).
const ElementSize = 4

// Kinds lists the buffer kinds in binding order.
func Kinds() []Kind {
	return []Kind{Prompt, LogitBias, DynamicMask}
}

func (k Kind) String() string {
	switch k {
	case Prompt:
		return "prompt"
	case LogitBias:
		return "logit_bias"
	case DynamicMask:
		return "dynamic_mask"
	default:
		return "unknown"
	}
}
