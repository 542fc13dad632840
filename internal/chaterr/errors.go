// ABOUTME: Typed failure reasons surfaced to chat callers
// ABOUTME: Maps each Kind to an HTTP status so handlers stay uniform

package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can decide whether to fix input or retry.
type Kind string

const (
	KindInvalidContent   Kind = "INVALID_CONTENT"
	KindInvalidTarget    Kind = "INVALID_TARGET"
	KindNotFound         Kind = "NOT_FOUND"
	KindAccessDenied     Kind = "ACCESS_DENIED"
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	KindInternal         Kind = "INTERNAL"
)

// Error is a failure carrying a Kind and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind, so errors.Is(err, chaterr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidContent   = &Error{Kind: KindInvalidContent}
	ErrInvalidTarget    = &Error{Kind: KindInvalidTarget}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrAccessDenied     = &Error{Kind: KindAccessDenied}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
)

// New returns an *Error of kind with no cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an *Error of kind that unwraps to cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidContent reports a message body that fails validation.
func InvalidContent(msg string) error { return New(KindInvalidContent, msg) }

// InvalidTarget reports a bad recipient or user profile.
func InvalidTarget(msg string) error { return New(KindInvalidTarget, msg) }

// NotFound reports an entity that does not exist.
func NotFound(msg string) error { return New(KindNotFound, msg) }

// AccessDenied reports an action the caller is not allowed to take.
func AccessDenied(msg string) error { return New(KindAccessDenied, msg) }

// StoreUnavailable wraps a persistence failure the caller may retry.
func StoreUnavailable(msg string, cause error) error {
	return Wrap(KindStoreUnavailable, msg, cause)
}

// KindOf returns the Kind of err, or KindInternal when err is not a chat error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the response status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidContent, KindInvalidTarget:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
