package mcpstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// Message is the sum type produced by Parse: a Request, Response, or
// Notification.
type Message interface {
	isMessage()
}

// ID is a JSON-RPC request/response identifier. The wire format allows a
// string or a number; this codec always stores and re-encodes it as a
// string, per spec.
type ID string

// UnmarshalJSON accepts a JSON string or number and stores it as a string.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("jsonrpc: id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON always renders the id as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// Request is a JSON-RPC call expecting a Response.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (Request) isMessage() {}

// Response carries exactly one of Result or Error.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *JSONRPCError
}

func (Response) isMessage() {}

// Notification is a one-way JSON-RPC message: no id, no Response.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (Notification) isMessage() {}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// Parse decodes one JSON-RPC message, dispatching by shape: presence of
// result or error makes it a Response; else presence of id makes it a
// Request; otherwise a Notification.
func Parse(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, NewError(CodeParseError, "parse error: "+err.Error())
	}
	if w.JSONRPC != jsonrpcVersion {
		return nil, NewError(CodeInvalidRequest, fmt.Sprintf("invalid jsonrpc version: %q", w.JSONRPC))
	}
	switch {
	case w.Result != nil || w.Error != nil:
		if w.ID == nil {
			return nil, NewError(CodeInvalidRequest, "response missing id")
		}
		return Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	case w.ID != nil:
		if w.Method == "" {
			return nil, NewError(CodeInvalidRequest, "request missing method")
		}
		return Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	default:
		if w.Method == "" {
			return nil, NewError(CodeInvalidRequest, "notification missing method")
		}
		return Notification{Method: w.Method, Params: w.Params}, nil
	}
}

// ParseBody decodes a full POST body, which is either a single JSON-RPC
// message or a JSON array batch. The bool result reports whether the body
// was a batch (used for response-mode selection).
func ParseBody(raw []byte) (messages []Message, batch bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, NewError(CodeParseError, "empty request body")
	}
	if trimmed[0] != '[' {
		msg, err := Parse(trimmed)
		if err != nil {
			return nil, false, err
		}
		return []Message{msg}, false, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, true, NewError(CodeParseError, "parse error: "+err.Error())
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		msg, err := Parse(item)
		if err != nil {
			return nil, true, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, true, nil
}

// EncodeResponse renders a Response as exactly
// {"jsonrpc":"2.0","id":"<id>","result":<raw>} or the error form.
func EncodeResponse(resp Response) ([]byte, error) {
	w := wireMessage{JSONRPC: jsonrpcVersion, ID: &resp.ID}
	if resp.Error != nil {
		w.Error = resp.Error
	} else if resp.Result == nil {
		w.Result = json.RawMessage("null")
	} else {
		w.Result = resp.Result
	}
	return json.Marshal(w)
}

// EncodeRequest renders a Request.
func EncodeRequest(req Request) ([]byte, error) {
	w := wireMessage{JSONRPC: jsonrpcVersion, ID: &req.ID, Method: req.Method, Params: req.Params}
	return json.Marshal(w)
}

// EncodeNotification renders a Notification (no id).
func EncodeNotification(n Notification) ([]byte, error) {
	w := wireMessage{JSONRPC: jsonrpcVersion, Method: n.Method, Params: n.Params}
	return json.Marshal(w)
}
