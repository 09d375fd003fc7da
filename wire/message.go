// Package wire implements the framed message protocol shared by every quickd
// channel: front-end connections and plugin standard streams.
//
// A Message is one of Request, Response, Cancel, Notification or Register.
// Messages travel either as JSON lines (one record per '\n') or as CBOR
// frames (4-byte big-endian length followed by one CBOR map). Both framings
// enforce a maximum message size before the record body is decoded.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the Message variants
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindCancel
	KindNotification
	KindRegister
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindCancel:
		return "cancel"
	case KindNotification:
		return "notification"
	case KindRegister:
		return "register"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Reserved method names.
const (
	MethodCancel   = "cancel"
	MethodPing     = "ping"
	MethodPong     = "pong"
	MethodQuit     = "quit"
	MethodSearch   = "search"
	MethodActivate = "activate"
	MethodCallback = "callback"
	MethodStatus   = "status"
	MethodRestart  = "restart"
)

// Message is the closed set of records exchanged on a channel.
type Message interface {
	Kind() Kind
}

// Request asks for work. Target and Context are optional (empty when absent).
type Request struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Target  string          `json:"target,omitempty"`
	Context string          `json:"context,omitempty"`
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Source string          `json:"source,omitempty"`
}

// Cancel withdraws a previously issued Request.
type Cancel struct {
	ID uint64 `json:"id"`
}

// Notification is a fire-and-forget record without an id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Register is the first record a plugin writes, declaring its identity.
type Register struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version,omitempty"`
}

func (*Request) Kind() Kind      { return KindRequest }
func (*Response) Kind() Kind     { return KindResponse }
func (*Cancel) Kind() Kind       { return KindCancel }
func (*Notification) Kind() Kind { return KindNotification }
func (*Register) Kind() Kind     { return KindRegister }

// Serves reports whether the registration declares the method.
func (r *Register) Serves(method string) bool {
	for _, c := range r.Capabilities {
		if c == method {
			return true
		}
	}
	return false
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Code is a machine readable error category carried on the wire.
type Code string

const (
	CodeTargetNotFound    Code = "target_not_found"
	CodeTargetUnavailable Code = "target_unavailable"
	CodeTooManyInFlight   Code = "too_many_in_flight"
	CodeBackpressure      Code = "backpressure"
	CodeInvalidRequest    Code = "invalid_request"
	CodeUnknownMethod     Code = "unknown_method"
	CodePluginCrashed     Code = "plugin_crashed"
	CodePluginUnavailable Code = "plugin_unavailable"
	CodeTimeout           Code = "timeout"
	CodeOversizedMessage  Code = "oversized_message"
	CodeActionFailed      Code = "action_failed"
	CodeInternal          Code = "internal"
)

// Error is the structured error body of a Response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewErrorResponse builds an error Response for the request id
func NewErrorResponse(id uint64, code Code, message string) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewResultResponse builds a successful Response for the request id
func NewResultResponse(id uint64, result json.RawMessage) *Response {
	return &Response{ID: id, Result: result}
}

// NewNotification builds a Notification with optional JSON params
func NewNotification(method string, params any) (*Notification, error) {
	n := &Notification{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		n.Params = raw
	}
	return n, nil
}
