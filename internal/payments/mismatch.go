package payments

import "fmt"

// MismatchError identifies which field of the provider confirmation violated
// the request, without leaking provider internals beyond what the caller
// already supplied.
type MismatchError struct {
	Field    string
	Expected any
	Got      any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("payment %s mismatch: expected %v, got %v", e.Field, e.Expected, e.Got)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }
