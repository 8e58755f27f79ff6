package mcpstream

import "fmt"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-scoped error codes for this MCP dispatcher.
const (
	CodeNotInitialized      = -32000
	CodeAlreadyInitialized  = -32001
	CodeUnsupportedProtocol = -32002
	CodeToolNotFound        = -32003
	CodeToolExecutionFailed = -32004
	CodeCancelled           = -32800
)

// JSONRPCError is a JSON-RPC 2.0 error object. It implements error so
// dispatcher code can produce it as a plain Go error and recover it again
// with errors.As at the point where a Response is encoded.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError constructs a JSONRPCError with no data payload.
func NewError(code int, message string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message}
}

// NewErrorWithData constructs a JSONRPCError carrying a data payload.
func NewErrorWithData(code int, message string, data any) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: message, Data: data}
}
