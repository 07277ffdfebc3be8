// Package apperr defines the error taxonomy shared by the connection manager,
// the policy engine and the transfer engine. Every error that crosses a
// component boundary carries a Kind so callers (and the HTTP layer) can react
// without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindAuthentication
	KindNetwork
	KindTimeout
	KindResourceExhausted
	KindNotFound
	KindPolicyBlocked
	KindValidation
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindAuthentication:
		return "authentication_error"
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNotFound:
		return "not_found"
	case KindPolicyBlocked:
		return "policy_blocked"
	case KindValidation:
		return "validation_error"
	case KindIntegrity:
		return "integrity_error"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional underlying cause.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a new Error of the specified kind. Returns nil for a nil err.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to err. A plain error is first wrapped as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Attributes returns the attributes collected along err's chain. Outer values win.
func Attributes(err error) map[string]any {
	attrs := make(map[string]any)
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		err = e.Underlying
	}
	return attrs
}

// HTTPStatus maps a kind to the status code the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNetwork:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindPolicyBlocked:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindIntegrity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
