package codes

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it (edges, the
// control plane, the RPC transport).
type Kind string

const (
	KindConfiguration             Kind = "ConfigurationError"
	KindNotFound                  Kind = "NotFound"
	KindAuthentication            Kind = "AuthenticationError"
	KindRouteNotFound             Kind = "RouteNotFound"
	KindNoAvailableConnector      Kind = "NoAvailableConnector"
	KindInterceptionNotConfigured Kind = "InterceptionNotConfigured"
	KindInterceptionUnavailable   Kind = "InterceptionUnavailable"
	KindInterceptionRejected      Kind = "InterceptionRejected"
	KindInterceptionFailed        Kind = "InterceptionFailed"
	KindDispatch                  Kind = "DispatchError"
	KindThrottled                 Kind = "Throttled"
	KindInsufficientBalance       Kind = "InsufficientBalance"
	KindInternal                  Kind = "InternalError"
)

// Sentinels for errors.Is. A sentinel matches every *Error of the same kind.
var (
	ErrConfiguration             = &Error{Kind: KindConfiguration}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrAuthentication            = &Error{Kind: KindAuthentication}
	ErrRouteNotFound             = &Error{Kind: KindRouteNotFound}
	ErrNoAvailableConnector      = &Error{Kind: KindNoAvailableConnector}
	ErrInterceptionNotConfigured = &Error{Kind: KindInterceptionNotConfigured}
	ErrInterceptionUnavailable   = &Error{Kind: KindInterceptionUnavailable}
	ErrInterceptionRejected      = &Error{Kind: KindInterceptionRejected}
	ErrInterceptionFailed        = &Error{Kind: KindInterceptionFailed}
	ErrDispatch                  = &Error{Kind: KindDispatch}
	ErrThrottled                 = &Error{Kind: KindThrottled}
	ErrInsufficientBalance       = &Error{Kind: KindInsufficientBalance}
)

// Error is the structured error shared by the core, the edges and the RPC
// transport. Status carries an optional protocol status (e.g. the HTTP status
// an interception script asked for).
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against sentinels (errors without a message).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New builds an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the protocol status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
