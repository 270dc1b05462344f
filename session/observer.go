package session

import "time"

// Op names a protocol operation.
type Op uint8

const (
	OpCreate Op = iota
	OpBindPrompt
	OpBindBias
	OpBindMask
	OpProcessPrompt
	OpAppendToken
	OpReadBias
	OpFree
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpBindPrompt:
		return "bind_prompt"
	case OpBindBias:
		return "bind_bias"
	case OpBindMask:
		return "bind_mask"
	case OpProcessPrompt:
		return "process_prompt"
	case OpAppendToken:
		return "append_token"
	case OpReadBias:
		return "read_bias"
	case OpFree:
		return "free"
	default:
		return "unknown"
	}
}

// Phase distinguishes the start and the end of an operation.
type Phase uint8

const (
	PhaseCall Phase = iota
	PhaseReturn
)

// Event is delivered to an Observer around every guest call and bias read.
type Event struct {
	Err      error
	Duration time.Duration // set on PhaseReturn
	Op       Op
	Phase    Phase
	State    State // state when the event fired
	Token    uint32
}

// Observer receives session events synchronously on the calling goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
