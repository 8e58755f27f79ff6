package mcpstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ProtocolVersion is the only MCP protocol version this server accepts.
const ProtocolVersion = "2025-06-18"

type connPhase string

const (
	phaseConnecting   connPhase = "connecting"
	phaseInitializing connPhase = "initializing"
	phaseReady        connPhase = "ready"
)

// ConnState is one MCP connection's dispatcher state machine: connecting,
// initializing, then ready. It is owned by the single worker goroutine
// serving that connection's keep-alive loop and never shared across
// goroutines, the goroutine-native stand-in for a per-connection address
// space.
type ConnState struct {
	id           string
	phase        connPhase
	clientInfo   Info
	capabilities ClientCapabilities
	sessionID    string
}

// NewConnState starts a fresh MCP connection in the connecting phase.
func NewConnState(connectionID string) *ConnState {
	return &ConnState{id: connectionID, phase: phaseConnecting}
}

// SessionID returns the session this connection has associated with itself,
// if any (set once initialize creates or adopts one).
func (c *ConnState) SessionID() string { return c.sessionID }

// AdoptSessionID attaches a client-carried Mcp-Session-Id to this
// connection before initialize runs, so initialize reuses it rather than
// minting a fresh one.
func (c *ConnState) AdoptSessionID(id string) { c.sessionID = id }

// Dispatcher is the MCP protocol router: it owns the shared Session
// Manager, Timeout Manager, and Tool Registry (each mutex-guarded
// internally) and routes parsed messages against one connection's
// ConnState.
type Dispatcher struct {
	serverInfo   Info
	capabilities ServerCapabilities
	sessions     *SessionManager
	timeouts     *TimeoutManager
	tools        *ToolRegistry
	log          *slog.Logger
}

// NewDispatcher constructs a Dispatcher over shared managers.
func NewDispatcher(serverInfo Info, capabilities ServerCapabilities, sessions *SessionManager, timeouts *TimeoutManager, tools *ToolRegistry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		serverInfo:   serverInfo,
		capabilities: capabilities,
		sessions:     sessions,
		timeouts:     timeouts,
		tools:        tools,
		log:          log.With(slog.String("component", "dispatcher")),
	}
}

// Handle routes one parsed Message against conn's state, returning a
// Response for Requests. Notifications never produce a reply, so Handle
// returns nil for them.
func (d *Dispatcher) Handle(conn *ConnState, msg Message) *Response {
	var resp *Response
	switch m := msg.(type) {
	case Request:
		resp = d.handleRequest(conn, m)
	case Notification:
		d.handleNotification(conn, m)
	}
	if conn.SessionID() != "" {
		d.sessions.UpdateActivity(conn.SessionID())
	}
	return resp
}

func (d *Dispatcher) handleRequest(conn *ConnState, req Request) *Response {
	if req.Method == "initialize" {
		return d.handleInitialize(conn, req)
	}
	if conn.phase != phaseReady {
		return errorResponse(req.ID, CodeNotInitialized, "server not initialized")
	}

	switch req.Method {
	case "ping":
		return &Response{ID: req.ID, Result: json.RawMessage("{}")}
	case "tools/list":
		return d.handleListTools(req)
	case "tools/call":
		return d.handleCallTool(conn, req)
	case "resources/list", "resources/read", "resources/templates/list",
		"resources/subscribe", "resources/unsubscribe",
		"prompts/list", "prompts/get":
		return errorResponse(req.ID, CodeMethodNotFound, "not implemented: "+req.Method)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (d *Dispatcher) handleInitialize(conn *ConnState, req Request) *Response {
	if conn.phase == phaseInitializing || conn.phase == phaseReady {
		return errorResponse(req.ID, CodeAlreadyInitialized, "already initialized")
	}

	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid initialize params: "+err.Error())
	}
	if params.ProtocolVersion != ProtocolVersion {
		return errorResponse(req.ID, CodeUnsupportedProtocol, fmt.Sprintf("Unsupported protocol version: %s", params.ProtocolVersion))
	}

	conn.clientInfo = params.ClientInfo
	conn.capabilities = params.Capabilities
	conn.phase = phaseInitializing

	if conn.sessionID != "" {
		d.sessions.AdoptSession(conn.sessionID, conn.id)
	} else {
		session := d.sessions.CreateSession(conn.id, params.ClientInfo)
		conn.sessionID = session.ID
	}

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    negotiateCapabilities(d.capabilities),
		ServerInfo:      d.serverInfo,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, "internal error: "+err.Error())
	}
	return &Response{ID: req.ID, Result: raw}
}

func (d *Dispatcher) handleNotification(conn *ConnState, n Notification) {
	switch n.Method {
	case "notifications/initialized":
		if conn.phase == phaseInitializing {
			conn.phase = phaseReady
		}
	case "notifications/cancelled":
		var params CancelledParams
		if err := json.Unmarshal(n.Params, &params); err == nil {
			d.timeouts.CancelRequest(string(params.RequestID))
		}
	case "notifications/progress":
		var params ProgressParams
		if err := json.Unmarshal(n.Params, &params); err == nil {
			d.timeouts.UpdateProgress(string(params.ProgressToken))
		}
	case "notifications/roots/list_changed":
		// Accepted, no action: roots is a client-only capability this
		// server never queries.
	default:
		d.log.Debug("unhandled notification", slog.String("method", n.Method))
	}
}

func (d *Dispatcher) handleListTools(req Request) *Response {
	result := ListToolsResult{Tools: d.tools.ListTools()}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return &Response{ID: req.ID, Result: raw}
}

func (d *Dispatcher) handleCallTool(conn *ConnState, req Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	requestID := string(req.ID)
	d.timeouts.AddRequest(requestID, req.Method, 0)
	defer d.timeouts.CompleteRequest(requestID)

	result := d.tools.ExecuteTool(context.Background(), params.Name, params.Arguments)

	if reason := d.timeouts.CancelReason(requestID); reason != "" {
		d.emitCancelledNotification(conn, req.ID, reason)
		err := NewErrorWithData(CodeCancelled, "request cancelled", CancelledParams{RequestID: req.ID, Reason: reason})
		return &Response{ID: req.ID, Error: err}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return &Response{ID: req.ID, Result: raw}
}

// emitCancelledNotification pushes a notifications/cancelled message into
// conn's session SSE replay buffer. A GET /sse listener on the session
// picks it up the same way it picks up any other buffered event; a
// session-less connection has no push channel, so the in-band -32800
// response is the only signal it gets.
func (d *Dispatcher) emitCancelledNotification(conn *ConnState, requestID ID, reason string) {
	if conn.SessionID() == "" {
		return
	}
	session, err := d.sessions.GetSession(conn.SessionID())
	if err != nil {
		return
	}
	params, err := json.Marshal(CancelledParams{RequestID: requestID, Reason: reason})
	if err != nil {
		return
	}
	raw, err := EncodeNotification(Notification{Method: "notifications/cancelled", Params: params})
	if err != nil {
		return
	}
	seq, _ := session.GenerateEventID()
	session.RecordEvent(seq, "message", string(raw))
}

func errorResponse(id ID, code int, message string) *Response {
	return &Response{ID: id, Error: NewError(code, message)}
}
