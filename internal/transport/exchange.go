package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

type framing int

const (
	framingUnset framing = iota
	framingContentLength
	framingChunked
	framingSSE
)

type exchangeState int

const (
	statePending exchangeState = iota
	stateHeadersSent
	stateStreaming
	stateEnded
)

var (
	// ErrURITooLong is returned by NewExchange when the request line's URI
	// exceeds the configured maximum.
	ErrURITooLong = errors.New("transport: request uri too long")
	errEnded      = errors.New("transport: exchange already ended")
	errNotPending = errors.New("transport: headers already sent")
)

// Exchange is the HTTP/1.1 request/response unit layered over a Conn. It
// carries exactly one request's worth of state through the pending →
// headers_sent → streaming → ended lifecycle; a keep-alive connection
// produces one Exchange per request in sequence, never concurrently.
type Exchange struct {
	conn *Conn
	req  *http.Request

	reqBody *BodyStream

	boundAddr string

	mu      sync.Mutex
	status  int
	headers http.Header
	state   exchangeState
	framing framing
	respBody *BodyStream
}

// NewExchange parses one HTTP request from initialBuf (the header block,
// terminated by CRLFCRLF, plus whatever body bytes were read ahead of it)
// followed by whatever remains unread on conn. Lower-level request-line and
// header parsing is delegated to net/http's http.ReadRequest, treated as an
// external collaborator per the transport's own design notes; everything
// about response framing and streaming below is this package's own state
// machine.
func NewExchange(conn *Conn, initialBuf []byte, boundAddr string, maxURILength int) (*Exchange, error) {
	combined := io.MultiReader(bytes.NewReader(initialBuf), conn)
	br := bufio.NewReader(combined)

	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("transport: parse request: %w", err)
	}
	if maxURILength > 0 && len(req.RequestURI) > maxURILength {
		return nil, ErrURITooLong
	}

	reqBody := NewReadBodyStream(br, req.ContentLength)

	return &Exchange{
		conn:      conn,
		req:       req,
		reqBody:   reqBody,
		boundAddr: boundAddr,
		headers:   make(http.Header),
		state:     statePending,
	}, nil
}

// Method returns the request method, e.g. "GET" or "POST".
func (e *Exchange) Method() string { return e.req.Method }

// Path returns the request's path component (without query string).
func (e *Exchange) Path() string { return e.req.URL.Path }

// Query returns the raw query string.
func (e *Exchange) Query() string { return e.req.URL.RawQuery }

// Proto returns the request's HTTP version, e.g. "HTTP/1.1".
func (e *Exchange) Proto() string { return e.req.Proto }

// RequestHeader returns the named request header's first value.
func (e *Exchange) RequestHeader(name string) string { return e.req.Header.Get(name) }

// RequestHeaderValues returns all values for the named request header.
func (e *Exchange) RequestHeaderValues(name string) []string { return e.req.Header.Values(name) }

// Cookie returns the named request cookie, if present.
func (e *Exchange) Cookie(name string) (string, bool) {
	c, err := e.req.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// ContentLength returns the declared request body length, or -1 if absent.
func (e *Exchange) ContentLength() int64 { return e.req.ContentLength }

// Request exposes the underlying parsed *http.Request for callers that need
// richer negotiation than the accessors above provide (e.g. Accept/Content-
// Type media-type matching). Callers must not mutate it.
func (e *Exchange) Request() *http.Request { return e.req }

// RemoteAddr returns the client's network address.
func (e *Exchange) RemoteAddr() string { return e.conn.RemoteAddr().String() }

// BoundAddr returns the address this exchange's server is listening on.
func (e *Exchange) BoundAddr() string { return e.boundAddr }

// KeepAliveRequested reports whether the client asked to keep the
// connection open (the HTTP/1.1 default, unless overridden by a
// "Connection: close" header).
func (e *Exchange) KeepAliveRequested() bool {
	return !e.req.Close
}

// ReadBodyChunk returns the next chunk of the request body.
func (e *Exchange) ReadBodyChunk() ([]byte, error) {
	return e.reqBody.ReadChunk()
}

// ReadFullBody drains the entire request body into memory, up to limit
// bytes (0 means unlimited).
func (e *Exchange) ReadFullBody(limit int64) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := e.ReadBodyChunk()
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		buf.Write(chunk)
		if limit > 0 && int64(buf.Len()) > limit {
			return nil, fmt.Errorf("transport: request body exceeds %d bytes", limit)
		}
	}
	return buf.Bytes(), nil
}

// SetStatus sets the response status code. Valid only while pending.
func (e *Exchange) SetStatus(code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != statePending {
		return errNotPending
	}
	e.status = code
	return nil
}

// AddHeader appends a response header. Valid only while pending.
func (e *Exchange) AddHeader(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != statePending {
		return errNotPending
	}
	e.headers.Add(key, value)
	return nil
}

// SendHeaders freezes and writes the response status line and headers.
// Idempotent: calling it more than once writes headers exactly once.
func (e *Exchange) SendHeaders() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendHeadersLocked()
}

func (e *Exchange) sendHeadersLocked() error {
	if e.state != statePending {
		return nil
	}
	if e.framing == framingUnset {
		if e.headers.Get("Content-Length") != "" {
			e.framing = framingContentLength
		} else {
			e.framing = framingChunked
			e.headers.Set("Transfer-Encoding", "chunked")
		}
	}
	if e.status == 0 {
		e.status = http.StatusOK
	}

	var sb bytes.Buffer
	fmt.Fprintf(&sb, "%s %d %s\r\n", e.req.Proto, e.status, http.StatusText(e.status))
	for key, values := range e.headers {
		for _, v := range values {
			fmt.Fprintf(&sb, "%s: %s\r\n", key, v)
		}
	}
	sb.WriteString("\r\n")
	if _, err := e.conn.Write(sb.Bytes()); err != nil {
		return err
	}

	e.respBody = NewWriteBodyStream(e.conn, e.framing == framingChunked)
	e.state = stateHeadersSent
	return nil
}

// StartSSEStream sets the response up as a Server-Sent Events stream:
// Content-Type text/event-stream, no caching, and never chunk-framed.
// Valid only while pending.
func (e *Exchange) StartSSEStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != statePending {
		return errNotPending
	}
	e.headers.Set("Content-Type", "text/event-stream")
	e.headers.Set("Cache-Control", "no-cache")
	e.headers.Set("Connection", "keep-alive")
	e.framing = framingSSE
	return e.sendHeadersLocked()
}

// WriteChunk writes one piece of response body, implicitly sending headers
// first if still pending.
func (e *Exchange) WriteChunk(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateEnded {
		return errEnded
	}
	if e.framing == framingSSE {
		return errors.New("transport: use WriteSSEEvent on an sse exchange")
	}
	if e.state == statePending {
		if err := e.sendHeadersLocked(); err != nil {
			return err
		}
	}
	e.state = stateStreaming
	return e.respBody.WriteChunk(data)
}

// WriteSSEEvent writes one SSE record, implicitly starting the SSE stream
// if still pending.
func (e *Exchange) WriteSSEEvent(eventType, data, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateEnded {
		return errEnded
	}
	if e.framing == framingUnset {
		e.framing = framingSSE
	}
	if e.framing != framingSSE {
		return errors.New("transport: exchange is not an sse stream")
	}
	if e.state == statePending {
		e.headers.Set("Content-Type", "text/event-stream")
		e.headers.Set("Cache-Control", "no-cache")
		e.headers.Set("Connection", "keep-alive")
		if err := e.sendHeadersLocked(); err != nil {
			return err
		}
	}
	e.state = stateStreaming
	return e.respBody.WriteSSEEvent(eventType, data, id)
}

// EndStream terminates the response. Idempotent.
func (e *Exchange) EndStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateEnded {
		return nil
	}
	if e.state == statePending {
		if err := e.sendHeadersLocked(); err != nil {
			return err
		}
	}
	var err error
	if e.respBody != nil {
		err = e.respBody.EndStream()
	}
	e.state = stateEnded
	return err
}

// Streaming reports whether the response has committed to SSE framing.
func (e *Exchange) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.framing == framingSSE
}
