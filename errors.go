package pkgdash

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the external program backing a source is
	// missing or not executable. An unavailable source contributes zero
	// packages; it is not treated as a failure.
	ErrUnavailable = errors.New("source unavailable")

	// ErrTimeout indicates an external operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound is returned when an upstream resource does not exist.
	ErrNotFound = errors.New("not found")
)

// ParseError wraps malformed output from an external tool or API. The
// phase that hit it discards its result; other phases are unaffected.
type ParseError struct {
	Origin string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s output: %v", e.Origin, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
