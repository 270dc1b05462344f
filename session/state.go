package session

// State is a position in the session protocol:
//
//	Created -> BuffersBound -> PromptProcessed -> (TokenAppended)* -> Closed
//
// Closed is reachable from every state.
type State uint8

const (
	Created State = iota
	BuffersBound
	PromptProcessed
	TokenAppended
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case BuffersBound:
		return "buffers_bound"
	case PromptProcessed:
		return "prompt_processed"
	case TokenAppended:
		return "token_appended"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// generating reports whether the bias buffer has been produced at least once.
func (s State) generating() bool {
	return s == PromptProcessed || s == TokenAppended
}
