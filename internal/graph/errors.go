package graph

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a FetchError by how the caller should react.
type Kind int

const (
	// Unauthorized means the bearer credential was refused. The session
	// should be refreshed and the request retried once.
	Unauthorized Kind = iota + 1
	// Transient covers network failures, throttling and 5xx responses. The
	// request may be retried with backoff.
	Transient
	// Permanent covers every other client error and undecodable responses.
	// Retrying will not help.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FetchError is returned by every Client operation.
type FetchError struct {
	Kind Kind
	// Op names the logical call, e.g. "list calendars".
	Op string
	// StatusCode is 0 for transport failures.
	StatusCode int
	// Code is the service error code from the response body, if any.
	Code string
	// RetryAfter is the server-requested delay, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d", e.StatusCode)
		if e.Code != "" {
			msg += " " + e.Code
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 if err is not a FetchError.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsUnauthorized reports whether err is a FetchError of kind Unauthorized.
func IsUnauthorized(err error) bool {
	return KindOf(err) == Unauthorized
}

// IsTransient reports whether err is a FetchError of kind Transient.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// IsPermanent reports whether err is a FetchError of kind Permanent.
func IsPermanent(err error) bool {
	return KindOf(err) == Permanent
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
