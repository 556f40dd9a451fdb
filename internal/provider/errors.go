package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure for retry decisions.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindServerError ErrorKind = "server_error"
	KindBadRequest  ErrorKind = "bad_request"
	KindTimeout     ErrorKind = "timeout"
)

// Error wraps a remote failure with its classification and the
// provider-native error code.
type Error struct {
	Kind      ErrorKind
	Code      string
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s failed [%s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " " + e.Code
	}
	msg += "]"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error. Rate limits and timeouts are always
// retryable; other kinds are terminal unless marked with Transient.
func NewError(kind ErrorKind, op, code string, err error) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Op:        op,
		Retryable: kind == KindRateLimited || kind == KindTimeout,
		Err:       err,
	}
}

// Transient marks a server error as worth retrying.
func (e *Error) Transient() *Error {
	e.Retryable = true
	return e
}

// Classify returns err as an *Error. Deadline expiry becomes a retryable
// timeout; anything unclassified is a terminal server error.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, "", err)
	}
	return NewError(KindServerError, op, "", err)
}

func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindNotFound
}

func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
