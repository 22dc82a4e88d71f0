package errors

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration errors so handlers can map them to HTTP
// status codes without string matching.
type Kind string

const (
	KindUnknownChallenge Kind = "unknown_challenge"
	KindDuplicateSession Kind = "duplicate_session"
	KindConcurrencyLimit Kind = "concurrency_limit"
	KindProvision        Kind = "provision"
	KindInvalidSession   Kind = "invalid_session"
	KindValidation       Kind = "validation"
)

// Error is the error type returned by user-initiated orchestrator operations.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values on Kind alone, so callers can use
// errors.Is(err, &Error{Kind: KindProvision}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or "" if err is not an orchestration Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func UnknownChallenge(challengeID string) *Error {
	return New(KindUnknownChallenge, fmt.Sprintf("challenge not found: %s", challengeID))
}

func DuplicateSession(challengeID, userID string) *Error {
	return New(KindDuplicateSession, fmt.Sprintf("active session already exists for challenge %s and user %s", challengeID, userID))
}

func ConcurrencyLimit(message string) *Error {
	return New(KindConcurrencyLimit, message)
}

func Provision(message string, err error) *Error {
	return Wrap(KindProvision, message, err)
}

func InvalidSession(sessionID string) *Error {
	return New(KindInvalidSession, fmt.Sprintf("unknown or expired session: %s", sessionID))
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}
