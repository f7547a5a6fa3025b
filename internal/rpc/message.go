// Package rpc is the request/response transport used by the control plane
// and the interceptor service: JSON frames over an authenticated websocket.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thrillee/aegisroute/pkg/codes"
)

// Request is a call frame. IDs are chosen by the caller and echoed back.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the structured (kind, message) error carried by a Response.
// Detail refines the kind, e.g. the script error kind behind an
// InterceptionFailed.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Detail, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the error as a *codes.Error so that codes.KindOf and
// errors.Is against codes sentinels work on remote errors.
func (e *Error) Unwrap() error {
	return &codes.Error{Kind: codes.Kind(e.Kind), Message: e.Message, Status: e.Status}
}

// Method-level failures raised by the transport itself.
const (
	KindMethodNotFound = "MethodNotFound"
	KindInvalidParams  = "InvalidParams"
)

// toError converts a handler error into its wire form.
func toError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	var ce *codes.Error
	if errors.As(err, &ce) {
		msg := ce.Message
		if msg == "" {
			msg = err.Error()
		} else if ce.Err != nil {
			msg = fmt.Sprintf("%s: %v", ce.Message, ce.Err)
		}
		return &Error{Kind: string(ce.Kind), Message: msg, Status: ce.Status}
	}
	return &Error{Kind: string(codes.KindInternal), Message: err.Error()}
}

// InvalidParams wraps a params decoding failure.
func InvalidParams(err error) *Error {
	return &Error{Kind: KindInvalidParams, Message: err.Error()}
}

// Decode unmarshals params into v, reporting failures as InvalidParams.
func Decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams(err)
	}
	return nil
}
