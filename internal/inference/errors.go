package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrForwardPass marks failures raised by the model collaborator.
	ErrForwardPass = errors.New("forward pass failed")
	// ErrInvalidRequest is returned by StartSession for unusable requests.
	ErrInvalidRequest = errors.New("invalid session request")
)

// ForwardPassError wraps a model failure with the step that produced it.
// errors.Is matches both ErrForwardPass and the underlying error, so cache
// overflow reported by the model still matches kvcache.ErrCapacityExceeded.
type ForwardPassError struct {
	Phase string
	Step  int
	Err   error
}

func (e *ForwardPassError) Error() string {
	return fmt.Sprintf("forward pass failed during %s step %d: %v", e.Phase, e.Step, e.Err)
}

func (e *ForwardPassError) Unwrap() []error {
	return []error{ErrForwardPass, e.Err}
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
