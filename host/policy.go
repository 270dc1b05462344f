package host

// FailurePolicy decides what happens when a guest call fails mid-generation.
type FailurePolicy uint8

const (
	// TerminateOnGuestError ends the session and reports the error.
	TerminateOnGuestError FailurePolicy = iota
	// NoOpBiasOnGuestError keeps generating with a zero bias and the default
	// mask; the guest is not called again.
	NoOpBiasOnGuestError
)

func (p FailurePolicy) String() string {
	switch p {
	case TerminateOnGuestError:
		return "terminate"
	case NoOpBiasOnGuestError:
		return "noop"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy maps "terminate" and "noop" to a policy.
func ParseFailurePolicy(s string) (FailurePolicy, bool) {
	switch s {
	case "terminate", "":
		return TerminateOnGuestError, true
	case "noop", "no-op":
		return NoOpBiasOnGuestError, true
	default:
		return TerminateOnGuestError, false
	}
}

// CloseReason records why a session ended.
type CloseReason uint8

const (
	ReasonCompleted CloseReason = iota
	ReasonLimit
	ReasonCancelled
	ReasonError
	ReasonShutdown
	ReasonReleased
)

func (r CloseReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonLimit:
		return "limit"
	case ReasonCancelled:
		return "cancelled"
	case ReasonError:
		return "error"
	case ReasonShutdown:
		return "shutdown"
	case ReasonReleased:
		return "released"
	default:
		return "unknown"
	}
}
