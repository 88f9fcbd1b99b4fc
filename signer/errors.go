package signer

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedInput is returned when a PSBT input lacks the data
	// needed to classify or sign it.
	ErrMalformedInput = errors.New("malformed input")
	// ErrSessionUsed is returned when a session is run more than once.
	ErrSessionUsed = errors.New("signing session already used")
	// ErrKeyMismatch is returned when the key derived by the key source
	// does not match the one of the policy.
	ErrKeyMismatch = errors.New("derived key does not match policy key")
)

// InputError reports the input a signing session failed on.
type InputError struct {
	Index int
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %d: %v", e.Index, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func malformed(index int, format string, args ...interface{}) error {
	return &InputError{
		Index: index,
		Err: fmt.Errorf("%w: %s", ErrMalformedInput,
			fmt.Sprintf(format, args...)),
	}
}
