package mutation

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a mutation for the same key is still
	// applying or in flight.
	ErrConflict = errors.New("mutation already in flight")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid mutation")
	// ErrTransportFailure matches every *FailureError.
	ErrTransportFailure = errors.New("mutation failed")
	// ErrTimeout is wrapped by failures caused by the mutation timeout.
	ErrTimeout = errors.New("mutation timed out")
)

// ValidationError rejects input before any state change. Reason is shown to
// the user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// FailureError reports a mutation that was rolled back. Err is the transport
// error, or ErrTimeout.
type FailureError struct {
	Key     Key
	Message string
	Err     error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *FailureError) Unwrap() []error { return []error{ErrTransportFailure, e.Err} }

// UserMessage returns the text to show for err. It is the only error text
// meant for the UI.
func UserMessage(err error) string {
	var ve *ValidationError
	var fe *FailureError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Reason
	case errors.Is(err, ErrConflict):
		return "Your last change is still being saved. Try again in a moment."
	case errors.As(err, &fe):
		if errors.Is(err, ErrTimeout) {
			return fe.Message + " The server took too long to respond."
		}
		return fe.Message
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled."
	default:
		return "Something went wrong. Please try again."
	}
}

func requireID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("A %s id is required.", field)}
	}
	return nil
}

func requireSession(userID string) error {
	if userID == "" {
		return &ValidationError{Field: "session", Reason: "Sign in to do that."}
	}
	return nil
}

func unexpected(key string, v any) error {
	return fmt.Errorf("%s holds %T", key, v)
}
