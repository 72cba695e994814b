package cfgx

import (
	"errors"
	"strings"
)

var (
	ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")
)

// MultiError collects every field error from a parse so they can be
// reported together.
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is and errors.As see the collected errors.
func (e *MultiError) Unwrap() []error {
	return e.Errors
}

// joinErrors returns nil for no errors, the error itself for one, and a
// *MultiError otherwise.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &MultiError{Errors: errs}
	}
}
