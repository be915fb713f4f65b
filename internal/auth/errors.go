package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrLoginRequired means no usable refresh credential exists and the
	// manager is not allowed to open a browser.
	ErrLoginRequired = errors.New("login required")

	// ErrNotConfigured means no client id is configured.
	ErrNotConfigured = errors.New("client_id is not configured")
)

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// KindDenied: the user or the authorization server refused consent.
	KindDenied ErrorKind = iota + 1
	// KindStateMismatch: the callback state did not match. Possible CSRF.
	KindStateMismatch
	// KindExchange: the token endpoint rejected the authorization code.
	KindExchange
	// KindRejected: the token endpoint rejected the refresh token.
	KindRejected
	// KindIncomplete: the token response lacked a required field.
	KindIncomplete
	// KindTimeout: the browser round-trip did not finish in time.
	KindTimeout
	// KindListener: the local callback listener could not start.
	KindListener
	// KindNetwork: the token endpoint was unreachable. The stored
	// credential is kept and the call can be retried later.
	KindNetwork
	// KindStore: the OS secret store failed.
	KindStore
)

func (k ErrorKind) String() string {
	switch k {
	case KindDenied:
		return "access denied"
	case KindStateMismatch:
		return "state mismatch"
	case KindExchange:
		return "code exchange failed"
	case KindRejected:
		return "refresh rejected"
	case KindIncomplete:
		return "incomplete token response"
	case KindTimeout:
		return "login timed out"
	case KindListener:
		return "callback listener failed"
	case KindNetwork:
		return "token endpoint unreachable"
	case KindStore:
		return "secret store failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the session manager's error type.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "auth: " + e.Kind.String()
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func authErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// IsLoginRequired reports whether the user has to log in interactively
// before any credential can be produced.
func IsLoginRequired(err error) bool {
	return errors.Is(err, ErrLoginRequired) || errors.Is(err, ErrNotConfigured)
}

// IsTransient reports whether err may clear up without user action.
func IsTransient(err error) bool {
	return KindOf(err) == KindNetwork
}
