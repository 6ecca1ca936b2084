package mcptransport

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Local JSON-RPC error codes produced when no server response is available.
const (
	// CodeNoEndpoint reports that every endpoint candidate answered 404.
	CodeNoEndpoint = -32600
	// CodeTransportFailure reports a transport-level failure; the message
	// carries the underlying error text.
	CodeTransportFailure = -32603
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Notification is a JSON-RPC 2.0 request without an id. No response body is
// expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set
// in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	local   bool
	expired bool
}

// RPCError is a JSON-RPC 2.0 error object. It is produced either by the
// remote server or locally when the transport could not reach one.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// localError builds a Response that carries a locally generated error.
func localError(id int64, code int, msg string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Error:   &RPCError{Code: code, Message: msg},
		local:   true,
	}
}

// isRPCResponse reports whether the decoded body looks like a JSON-RPC
// response rather than an arbitrary JSON document.
func (r *Response) isRPCResponse() bool {
	return r != nil && (r.JSONRPC == jsonrpcVersion || r.Result != nil || r.Error != nil)
}
