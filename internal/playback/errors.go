package playback

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	// KindTransport is a synthesis request that failed before streaming began.
	KindTransport Kind = "transport"
	// KindUnauthorized is a synthesis request rejected for missing or expired credentials.
	KindUnauthorized Kind = "unauthorized"
	// KindDecode is a decode buffer failure after streaming began.
	KindDecode Kind = "decode"
)

type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("playback %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("playback %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is returned by a Synthesizer when the upstream answered with a
// non-success HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("synthesis status %d", e.Code)
	}
	return fmt.Sprintf("synthesis status %d: %s", e.Code, e.Body)
}

// IsKind reports whether err is a playback error of kind k.
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

func classifyRequestError(err error) *Error {
	var se *StatusError
	if errors.As(err, &se) {
		kind := KindTransport
		if se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden {
			kind = KindUnauthorized
		}
		return &Error{Kind: kind, Status: se.Code, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}
