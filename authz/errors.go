package authz

import (
	"errors"
	"fmt"

	"cardauthd/models"
)

// Kind partitions failures by how the boundary must treat them.
type Kind int

const (
	// KindValidation marks malformed input; surfaced as HTTP 400.
	KindValidation Kind = iota + 1
	// KindNotFound marks an unknown decision, hold or request; surfaced as 404.
	KindNotFound
	// KindInvalidState marks an operation not allowed in the current state;
	// surfaced as 409.
	KindInvalidState
	// KindDecline marks a business decline. It is the normal business path:
	// persisted as a DECLINED decision and surfaced as 422, never retried.
	KindDecline
	// KindUpstream marks a retriable upstream failure; surfaced as 503 once
	// the retry budget is exhausted.
	KindUpstream
	// KindInternal marks an unexpected failure; surfaced as 500.
	KindInternal
)

// Error is the typed failure flowing through the pipeline. Reason carries the
// wire reason code for decline-class failures.
type Error struct {
	Kind   Kind
	Reason models.ReasonCode
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Declinef builds a business decline carrying the given reason code.
func Declinef(reason models.ReasonCode, format string, args ...any) *Error {
	return &Error{Kind: KindDecline, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Validationf builds a malformed-input failure.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: models.ReasonFormatError, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an unknown-entity failure.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// InvalidStatef builds a state-conflict failure.
func InvalidStatef(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

// Upstreamf wraps a retriable upstream failure.
func Upstreamf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Reason: models.ReasonIssuerUnavailable, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Internalf wraps an unexpected failure.
func Internalf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Reason: models.ReasonSystemError, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the failure kind, defaulting to KindInternal for untyped
// errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// ReasonOf extracts the reason code attached to a failure, defaulting to
// SYSTEM_ERROR.
func ReasonOf(err error) models.ReasonCode {
	var typed *Error
	if errors.As(err, &typed) && typed.Reason != "" {
		return typed.Reason
	}
	return models.ReasonSystemError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
