package descriptor

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedTemplate is returned when a template does not follow
	// the grammar or does not match its list of keys.
	ErrMalformedTemplate = errors.New("malformed descriptor template")

	// ErrUnsupportedPolicy is returned for well formed templates
	// describing a policy outside the supported set.
	ErrUnsupportedPolicy = errors.New("unsupported policy")

	// ErrInvalidChecksum is returned when a descriptor checksum does not
	// match.
	ErrInvalidChecksum = errors.New("invalid descriptor checksum")
)

// ParseError locates a template error.
type ParseError struct {
	// Pos is the byte offset in the template where the error was found.
	Pos int
	Msg string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v at position %d: %s", e.Err, e.Pos, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
