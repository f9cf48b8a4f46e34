package core

import (
	"errors"
	"fmt"
)

var (
	// ErrGenerationClosed is returned by operations on a closed generation.
	ErrGenerationClosed = errors.New("export generation is closed")
	// ErrSourceClosed is returned by operations on a closed data source.
	ErrSourceClosed = errors.New("export data source is closed")
)

// FatalError marks a failure after which export durability or correctness
// can no longer be guaranteed. It is not meant to be handled by retrying; the
// process supervisor is expected to terminate the host.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal export error during %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps err as a FatalError for the given operation.
func NewFatalError(op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err}
}

// IsFatal checks if an error is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fatalError *FatalError
	return errors.As(err, &fatalError)
}

// FatalHandler receives fatal errors raised on paths that have no caller to
// return them to, such as the membership watch worker.
type FatalHandler interface {
	HandleFatal(err *FatalError)
}

// FatalHandlerFunc adapts a function to the FatalHandler interface.
type FatalHandlerFunc func(err *FatalError)

func (f FatalHandlerFunc) HandleFatal(err *FatalError) { f(err) }
