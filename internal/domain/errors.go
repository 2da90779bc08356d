package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the addressed session, message or chatbot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMissingPrerequisite means a required user, token, chatbot or session was absent.
	ErrMissingPrerequisite = errors.New("missing prerequisite")
	// ErrForbidden means the principal may not perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrStale means a result arrived after the selection it was fetched for changed.
	ErrStale = errors.New("stale result discarded")
	// ErrInvalidInput means a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// TransportError is a network or non-2xx failure talking to the backend or provider.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError means a peer answered with a body we could not decode.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// MissingPrerequisite wraps ErrMissingPrerequisite with the name of what was absent.
func MissingPrerequisite(what string) error {
	return fmt.Errorf("%w: %s", ErrMissingPrerequisite, what)
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is (or wraps) a MalformedResponseError.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
