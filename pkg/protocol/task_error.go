package protocol

import (
	"errors"
)

// An error raised by a task computation, with an optional chain of causes.
// The chain is owned by the error value itself so that it survives
// transfer between processes.
type TaskError struct {
	// Short error message.
	Message string `json:"message"`

	// Long-form details, e.g. a traceback.
	Details string `json:"details,omitempty"`

	// The error that caused this one, if any.
	Cause *TaskError `json:"cause,omitempty"`
}

// NewTaskError converts an error into a transferable task error,
// preserving the unwrap chain as explicit causes.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}

	te := &TaskError{Message: err.Error()}

	var detailed interface{ Details() string }
	if errors.As(err, &detailed) {
		te.Details = detailed.Details()
	}

	if cause := errors.Unwrap(err); cause != nil {
		te.Cause = NewTaskError(cause)
	}

	return te
}

func (e *TaskError) Error() string {
	return e.Message
}

func (e *TaskError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}
