package session

import "fmt"

// NegotiationError reports a descriptor creation/application failure. The
// session remains in its current state; the caller may retry the whole
// start sequence.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
