package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrClosed            = errors.New("session: closed")
	ErrBusy              = errors.New("session: guest call in flight")
	ErrBiasNotReady      = errors.New("session: logit bias not produced yet")
	ErrBiasConsumed      = errors.New("session: logit bias already read for this step")
	ErrMaskExhausted     = errors.New("session: dynamic mask capacity exhausted")
	ErrTokenOutOfRange   = errors.New("session: token outside vocabulary")
	ErrFailed            = errors.New("session: a previous guest call failed")
)

// TransitionError reports a protocol call made in the wrong state.
type TransitionError struct {
	Op   Op
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session: %s not allowed in state %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// GuestError wraps a failure (trap, missing export, bad result) of a guest call.
type GuestError struct {
	Err error
	Op  Op
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("session: guest %s failed: %v", e.Op, e.Err)
}

func (e *GuestError) Unwrap() error {
	return e.Err
}
