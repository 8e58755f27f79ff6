package mcpstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/joeshaw/envdecode"

	"github.com/nowex35/mcpstream/internal/transport"
)

var (
	jsonMediaType    = contenttype.NewMediaType("application/json")
	sseMediaType     = contenttype.NewMediaType("text/event-stream")
	acceptCandidates = []contenttype.MediaType{jsonMediaType, sseMediaType}
)

// ServerConfig tunes the HTTP-level transport this server listens on.
// Every field is settable via environment variable through
// ServerConfigFromEnv.
type ServerConfig struct {
	Address                  string        `env:"MCP_SERVER_ADDRESS,default=:8080"`
	MaxConcurrentConnections int           `env:"MCP_SERVER_MAX_CONNECTIONS,default=256"`
	MaxRequestsPerConnection int           `env:"MCP_SERVER_MAX_REQUESTS_PER_CONN,default=0"`
	MaxRequestURILength      int           `env:"MCP_SERVER_MAX_URI_LENGTH,default=8192"`
	TCPKeepAlive             time.Duration `env:"MCP_SERVER_TCP_KEEPALIVE,default=3m"`
	OriginValidationEnabled  bool          `env:"MCP_SERVER_VALIDATE_ORIGIN,default=false"`
	MaxBodyBytes             int64         `env:"MCP_SERVER_MAX_BODY_BYTES,default=10485760"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = 256
	}
	if c.MaxRequestURILength <= 0 {
		c.MaxRequestURILength = 8192
	}
	if c.TCPKeepAlive <= 0 {
		c.TCPKeepAlive = 3 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 * 1024 * 1024
	}
	return c
}

// ServerConfigFromEnv populates a ServerConfig from the process environment
// via envdecode, falling back to the struct tag defaults for anything unset.
func ServerConfigFromEnv() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("mcpstream: decode server config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// ServerOption configures a Server built by NewServer.
type ServerOption func(*Server)

// WithLogger overrides the server's structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.log = logger }
}

// WithSessionManager overrides the default Session Manager.
func WithSessionManager(m *SessionManager) ServerOption {
	return func(s *Server) { s.sessions = m }
}

// WithTimeoutManager overrides the default Timeout Manager.
func WithTimeoutManager(m *TimeoutManager) ServerOption {
	return func(s *Server) { s.timeouts = m }
}

// WithToolRegistry overrides the default Tool Registry.
func WithToolRegistry(r *ToolRegistry) ServerOption {
	return func(s *Server) { s.tools = r }
}

// WithCleanupInterval overrides how often expired sessions and stale
// timeout entries are swept in the background.
func WithCleanupInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.cleanupInterval = d }
}

// Server wires the Streaming Server transport to the MCP Dispatcher and its
// Session/Timeout/Tool managers, and owns the wire-protocol surface: path
// routing, CORS, origin validation, content negotiation, response-mode
// selection, and SSE replay on reconnect.
type Server struct {
	info         Info
	capabilities ServerCapabilities
	cfg          ServerConfig

	sessions *SessionManager
	timeouts *TimeoutManager
	tools    *ToolRegistry
	dispatch *Dispatcher

	log *slog.Logger
	ts  *transport.Server

	connMu    sync.Mutex
	connState map[string]*ConnState

	cleanupInterval time.Duration
	done            chan struct{}
	wg              sync.WaitGroup
}

// NewServer constructs a Server. Register tools via Tools().RegisterTool
// before calling Serve.
func NewServer(info Info, cfg ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		info:            info,
		cfg:             cfg.withDefaults(),
		sessions:        NewSessionManager(SessionManagerConfig{}),
		timeouts:        NewTimeoutManager(TimeoutManagerConfig{}),
		tools:           NewToolRegistry(ToolRegistryConfig{}),
		log:             slog.Default(),
		connState:       make(map[string]*ConnState),
		cleanupInterval: 30 * time.Second,
		done:            make(chan struct{}),
	}
	s.capabilities = ServerCapabilities{Tools: &ToolsCapability{ListChanged: false}}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "mcpstream.server"))
	s.dispatch = NewDispatcher(s.info, s.capabilities, s.sessions, s.timeouts, s.tools, s.log)
	return s
}

// Tools exposes the Tool Registry so callers can register tools before
// Serve is called.
func (s *Server) Tools() *ToolRegistry { return s.tools }

// Sessions exposes the Session Manager, mainly for diagnostics.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Serve starts accepting connections and blocks until the listener is
// closed by Shutdown or fails.
func (s *Server) Serve() error {
	tcfg := transport.Config{
		Address:                  s.cfg.Address,
		MaxConcurrentConnections: s.cfg.MaxConcurrentConnections,
		MaxRequestsPerConnection: s.cfg.MaxRequestsPerConnection,
		MaxRequestURILength:      s.cfg.MaxRequestURILength,
		TCPKeepAlive:             s.cfg.TCPKeepAlive,
		Logger:                   s.log,
		OnConnClose:              s.onConnClose,
	}
	s.ts = transport.NewServer(tcfg, s.handleExchange)

	s.wg.Add(1)
	go s.runCleanupLoop()

	return s.ts.Serve()
}

// Shutdown stops the background cleanup loop and closes the listener.
func (s *Server) Shutdown() error {
	close(s.done)
	s.wg.Wait()
	if s.ts == nil {
		return nil
	}
	return s.ts.Shutdown()
}

func (s *Server) runCleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.sessions.CleanupExpiredSessions(); n > 0 {
				s.log.Debug("expired sessions reaped", slog.Int("count", n))
			}
			s.timeouts.CleanupCompletedRequests()
			for _, id := range s.timeouts.CheckExpiredRequests() {
				s.log.Debug("request expired", slog.String("request_id", id))
			}
		}
	}
}

func (s *Server) handleExchange(ex *transport.Exchange) {
	origin := ex.RequestHeader("Origin")

	switch {
	case ex.Method() == http.MethodOptions:
		s.writeCORSHeaders(ex, origin)
		s.writeEmptyStatus(ex, http.StatusNoContent)
	case ex.Method() == http.MethodGet && ex.Path() == "/health":
		s.writeJSON(ex, http.StatusOK, []byte(`{"status":"healthy","service":"mcp-streaming"}`))
	case ex.Path() == "/mcp" || ex.Path() == "/" || ex.Path() == "/sse":
		s.handleMCP(ex, origin)
	default:
		s.writeCORSHeaders(ex, origin)
		s.writeEmptyStatus(ex, http.StatusNotFound)
	}
}

func (s *Server) handleMCP(ex *transport.Exchange, origin string) {
	s.writeCORSHeaders(ex, origin)

	if s.cfg.OriginValidationEnabled && origin != "" && !isAllowedOrigin(origin) {
		s.writeEmptyStatus(ex, http.StatusForbidden)
		return
	}

	switch {
	case ex.Method() == http.MethodPost && (ex.Path() == "/mcp" || ex.Path() == "/"):
		s.handlePostMCP(ex)
	case ex.Method() == http.MethodGet && (ex.Path() == "/mcp" || ex.Path() == "/sse"):
		s.handleGetMCP(ex)
	default:
		s.writeEmptyStatus(ex, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePostMCP(ex *transport.Exchange) {
	if _, _, err := contenttype.GetAcceptableMediaType(ex.Request(), acceptCandidates); err != nil {
		s.drainBody(ex)
		s.writeEmptyStatus(ex, http.StatusNotAcceptable)
		return
	}
	ctype, err := contenttype.GetMediaType(ex.Request())
	if err != nil || !ctype.Matches(jsonMediaType) {
		s.drainBody(ex)
		s.writeEmptyStatus(ex, http.StatusBadRequest)
		return
	}

	body, err := ex.ReadFullBody(s.cfg.MaxBodyBytes)
	if err != nil {
		ex.Request().Close = true
		ex.AddHeader("Connection", "close")
		s.writeEmptyStatus(ex, http.StatusBadRequest)
		return
	}

	conn := s.connStateFor(ex)
	if sid := ex.RequestHeader("Mcp-Session-Id"); sid != "" && conn.SessionID() == "" {
		conn.AdoptSessionID(sid)
	}

	messages, batch, err := ParseBody(body)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			s.writeSingleJSONResponse(ex, Response{Error: rpcErr})
			return
		}
		s.writeEmptyStatus(ex, http.StatusBadRequest)
		return
	}

	responses := make([]Response, 0, len(messages))
	for _, msg := range messages {
		if resp := s.dispatch.Handle(conn, msg); resp != nil {
			responses = append(responses, *resp)
		}
	}

	if sid := conn.SessionID(); sid != "" {
		ex.AddHeader("Mcp-Session-Id", sid)
	}

	if len(responses) == 0 {
		s.writeEmptyStatus(ex, http.StatusAccepted)
		return
	}

	if batch || acceptPrefersEventStream(ex.RequestHeader("Accept")) {
		s.writeSSEResponse(ex, conn, responses, batch)
		return
	}
	s.writeSingleJSONResponse(ex, responses[0])
}

func (s *Server) handleGetMCP(ex *transport.Exchange) {
	sid := ex.RequestHeader("Mcp-Session-Id")
	if sid == "" {
		s.writeEmptyStatus(ex, http.StatusBadRequest)
		return
	}
	session, err := s.sessions.GetSession(sid)
	if err != nil {
		s.writeEmptyStatus(ex, http.StatusNotFound)
		return
	}
	s.sessions.UpdateActivity(sid)

	if err := ex.StartSSEStream(); err != nil {
		return
	}

	var after uint64
	reconnecting := false
	if lastID := ex.RequestHeader("Last-Event-ID"); lastID != "" {
		if n, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			after = n
			reconnecting = true
		}
	}

	for _, ev := range session.EventsSince(after) {
		_ = ex.WriteSSEEvent(ev.EventType, ev.Data, strconv.FormatUint(ev.ID, 10))
	}
	if reconnecting {
		_ = ex.WriteSSEEvent("reconnect", "{}", "")
	}
	ex.EndStream()
}

func (s *Server) writeSSEResponse(ex *transport.Exchange, conn *ConnState, responses []Response, batch bool) {
	if err := ex.StartSSEStream(); err != nil {
		return
	}

	var payload []byte
	if !batch && len(responses) == 1 {
		payload, _ = EncodeResponse(responses[0])
	} else {
		parts := make([]json.RawMessage, len(responses))
		for i, r := range responses {
			raw, _ := EncodeResponse(r)
			parts[i] = raw
		}
		payload, _ = json.Marshal(parts)
	}

	var eventID string
	if session := s.sessionFor(conn); session != nil {
		seq, _ := session.GenerateEventID()
		session.RecordEvent(seq, "message", string(payload))
		eventID = strconv.FormatUint(seq, 10)
	}
	_ = ex.WriteSSEEvent("message", string(payload), eventID)
	ex.EndStream()
}

func (s *Server) writeSingleJSONResponse(ex *transport.Exchange, resp Response) {
	raw, err := EncodeResponse(resp)
	if err != nil {
		s.writeEmptyStatus(ex, http.StatusInternalServerError)
		return
	}
	s.writeJSON(ex, http.StatusOK, raw)
}

func (s *Server) writeJSON(ex *transport.Exchange, status int, payload []byte) {
	ex.SetStatus(status)
	ex.AddHeader("Content-Type", "application/json")
	ex.AddHeader("Content-Length", strconv.Itoa(len(payload)))
	ex.WriteChunk(payload)
	ex.EndStream()
}

// drainBody reads and discards a rejected request's body so the next
// keep-alive iteration's header read doesn't mistake leftover body bytes
// for the start of a new request. If the body turns out too large to
// drain within the configured limit, it forces the connection closed
// instead of leaving unread bytes behind.
func (s *Server) drainBody(ex *transport.Exchange) {
	if _, err := ex.ReadFullBody(s.cfg.MaxBodyBytes); err != nil {
		ex.Request().Close = true
		ex.AddHeader("Connection", "close")
	}
}

func (s *Server) writeEmptyStatus(ex *transport.Exchange, status int) {
	ex.SetStatus(status)
	ex.AddHeader("Content-Length", "0")
	ex.EndStream()
}

func (s *Server) writeCORSHeaders(ex *transport.Exchange, origin string) {
	allow := origin
	if allow == "" {
		allow = "*"
	}
	ex.AddHeader("Access-Control-Allow-Origin", allow)
	ex.AddHeader("Access-Control-Allow-Methods", "POST, OPTIONS")
	ex.AddHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")
	ex.AddHeader("Access-Control-Max-Age", "86400")
	ex.AddHeader("Cache-Control", "no-cache, no-store, must-revalidate")
}

func (s *Server) sessionFor(conn *ConnState) *Session {
	if conn.SessionID() == "" {
		return nil
	}
	session, err := s.sessions.GetSession(conn.SessionID())
	if err != nil {
		return nil
	}
	return session
}

// connStateFor returns the ConnState for ex's underlying TCP connection,
// keyed by remote address, the only per-connection identity the transport
// layer exposes to a Handler. The entry is removed by onConnClose once the
// connection's worker goroutine stops serving it, however that happened, so
// it never outlives the connection or leaks into a reused ephemeral port.
func (s *Server) connStateFor(ex *transport.Exchange) *ConnState {
	key := ex.RemoteAddr()
	s.connMu.Lock()
	defer s.connMu.Unlock()
	cs, ok := s.connState[key]
	if !ok {
		cs = NewConnState(key)
		s.connState[key] = cs
	}
	return cs
}

// onConnClose drops a connection's dispatcher state once its worker
// goroutine stops serving it (transport.Config.OnConnClose), closing the
// leak a Connection: close-only removal would leave for every connection
// that instead ends by socket EOF or error, the common case for keep-alive
// clients.
func (s *Server) onConnClose(remoteAddr string) {
	s.connMu.Lock()
	delete(s.connState, remoteAddr)
	s.connMu.Unlock()
}

// acceptPrefersEventStream reports whether an Accept header lists
// text/event-stream before application/json. A missing header never
// prefers SSE.
func acceptPrefersEventStream(accept string) bool {
	if accept == "" {
		return false
	}
	sseIdx := strings.Index(accept, "text/event-stream")
	if sseIdx < 0 {
		return false
	}
	jsonIdx := strings.Index(accept, "application/json")
	return jsonIdx < 0 || sseIdx < jsonIdx
}

// isAllowedOrigin implements the no-allowed-list default: only
// http(s)://localhost and http(s)://127.0.0.1 are accepted.
func isAllowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
