package mcpstream

import "encoding/json"

// Info identifies the client or server in the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability advertises tool-related features.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is this server's advertised feature set. Resources,
// prompts, roots and sampling are always nil: resources/* and prompts/*
// always answer "method not found", and roots/sampling are client-only
// capabilities this server never advertises.
// The fields still exist so an initialize result shape-matches the
// protocol exactly if a future tool needs them.
type ServerCapabilities struct {
	Tools     *ToolsCapability       `json:"tools,omitempty"`
	Resources map[string]interface{} `json:"resources,omitempty"`
	Prompts   map[string]interface{} `json:"prompts,omitempty"`
	Logging   map[string]interface{} `json:"logging,omitempty"`
	Roots     map[string]interface{} `json:"roots,omitempty"`
	Sampling  map[string]interface{} `json:"sampling,omitempty"`
}

// ClientCapabilities is what the client advertised during initialize.
type ClientCapabilities struct {
	Roots    map[string]interface{} `json:"roots,omitempty"`
	Sampling map[string]interface{} `json:"sampling,omitempty"`
}

// negotiateCapabilities computes the Boolean AND of server and client
// feature vectors. This server only ever offers the tools capability,
// which clients have no competing vector to AND against (MCP clients
// advertise roots/sampling, never tools), so in practice negotiation
// reduces to "offer whatever the server enabled."
func negotiateCapabilities(server ServerCapabilities) ServerCapabilities {
	negotiated := ServerCapabilities{}
	if server.Tools != nil {
		negotiated.Tools = server.Tools
	}
	if server.Logging != nil {
		negotiated.Logging = server.Logging
	}
	return negotiated
}

// InitializeParams is the parsed params of an "initialize" request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      Info               `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// InitializeResult is the result of a successful "initialize" call.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

// ContentType enumerates the kinds of tool-result content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentResource ContentType = "resource"
)

// Content is one piece of a tool call result.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// CallToolParams is the parsed params of a "tools/call" request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult is the result of a tool call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Tool describes a registered tool as surfaced by "tools/list".
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result of "tools/list".
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// ProgressParams is the params of a "notifications/progress" notification.
type ProgressParams struct {
	ProgressToken ID      `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

// CancelledParams is the params of a "notifications/cancelled" notification.
type CancelledParams struct {
	RequestID ID     `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}
