package utils

import (
	"fmt"
)

var (
	ErrBadRequest      = fmt.Errorf("bad request")
	ErrBusy            = fmt.Errorf("busy")
	ErrNotFound        = fmt.Errorf("not found")
	ErrParse           = fmt.Errorf("parse error")
	ErrPoolBroken      = fmt.Errorf("executor pool is broken")
	ErrUnknownExecutor = fmt.Errorf("unknown executor")
)

// An error that carries long-form details in addition to its message,
// e.g. a remote traceback.
type DetailedError interface {
	error
	Details() string
}

type detailedError struct {
	cause   error
	details string
}

// NewDetailedError attaches long-form details to an error. The
// returned error matches the cause with errors.Is.
func NewDetailedError(cause error, details string) DetailedError {
	return &detailedError{cause: cause, details: details}
}

func (e *detailedError) Error() string {
	return fmt.Sprintf("%v: %s", e.cause, e.details)
}

func (e *detailedError) Details() string {
	return e.details
}

func (e *detailedError) Unwrap() error {
	return e.cause
}
