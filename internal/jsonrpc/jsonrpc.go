// Package jsonrpc implements the JSON-RPC 2.0 message framing used on the
// wire. Batch arrays are not supported by this transport.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the supported JSON-RPC protocol version.
const Version = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// Request is a JSON-RPC request (with an ID) or notification (without).
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response is a JSON-RPC response.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResultResponse builds a successful response, marshaling result.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{Version: Version, Result: raw, ID: id}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{Version: Version, Error: &Error{Code: code, Message: message, Data: data}, ID: id}
}

// ParseRequest decodes and validates a single JSON-RPC request from raw
// bytes. Responses and batch arrays are rejected.
func ParseRequest(raw []byte) (*Request, error) {
	if len(raw) > 0 && raw[0] == '[' {
		return nil, fmt.Errorf("batch requests are not supported")
	}
	var probe struct {
		Version string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
		ID      *RequestID      `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if probe.Version != Version {
		return nil, fmt.Errorf("invalid JSON-RPC version %q", probe.Version)
	}
	if probe.Method == "" {
		return nil, fmt.Errorf("request must carry a method")
	}
	if len(probe.Result) > 0 || probe.Error != nil {
		return nil, fmt.Errorf("request cannot carry result or error fields")
	}
	return &Request{Version: probe.Version, Method: probe.Method, Params: probe.Params, ID: probe.ID}, nil
}
