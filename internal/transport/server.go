package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Handler serves one HTTP exchange. The server calls EndStream on the
// exchange after Handler returns if the handler has not already done so.
type Handler func(*Exchange)

// Config bounds the accept loop and per-connection behavior.
type Config struct {
	Address                   string
	MaxConcurrentConnections  int
	MaxRequestsPerConnection  int // 0 = unlimited
	MaxRequestURILength       int
	TCPKeepAlive              time.Duration
	Logger                    *slog.Logger

	// OnConnClose, if set, is called exactly once per connection, after its
	// worker goroutine stops serving it, regardless of whether the
	// connection ended via Connection: close, socket EOF, or a read error.
	// Callers that key their own per-connection state off a connection's
	// remote address (the only identity a Handler is given) use this to
	// drop that state instead of leaking it for connections that never sent
	// an explicit Connection: close.
	OnConnClose func(remoteAddr string)
}

// Server is the Streaming Server: an accept loop that hands each connection
// to its own worker goroutine, under admission control, with keep-alive
// looping over Exchanges within a connection.
type Server struct {
	cfg     Config
	log     *slog.Logger
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	closing  bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewServer constructs a Server bound to cfg.Address, not yet listening.
func NewServer(cfg Config, handler Handler) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	max := cfg.MaxConcurrentConnections
	if max <= 0 {
		max = 256
	}
	return &Server{
		cfg:     cfg,
		log:     log.With(slog.String("component", "transport.server")),
		handler: handler,
		sem:     make(chan struct{}, max),
	}
}

// Serve listens and accepts connections until Shutdown is called. It
// returns nil on a clean shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", slog.String("addr", ln.Addr().String()))

	for {
		ReapChildren()

		raw, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			if isCleanClose(err) {
				continue
			}
			s.log.Error("accept failed", slog.String("err", err.Error()))
			continue
		}

		if tcpConn, ok := raw.(*net.TCPConn); ok && s.cfg.TCPKeepAlive > 0 {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(s.cfg.TCPKeepAlive)
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("connection rejected: at capacity", slog.String("remote", raw.RemoteAddr().String()))
			_ = raw.Close()
			continue
		}

		conn := NewConn(raw)
		alias := conn.Alias()
		s.log.Debug("accepted connection", slog.String("remote", alias.RemoteAddr().String()))

		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.serveConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections. In-flight connections are left
// to finish their current request and observe MaxRequestsPerConnection or a
// Connection: close response on their own.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) serveConn(conn *Conn) {
	defer conn.Teardown()
	if s.cfg.OnConnClose != nil {
		remoteAddr := conn.RemoteAddr().String()
		defer s.cfg.OnConnClose(remoteAddr)
	}

	requests := 0
	for {
		header, leftover, err := readHeaderBlock(conn)
		if err != nil {
			return
		}

		initial := append(header, leftover...)
		ex, err := NewExchange(conn, initial, s.cfg.Address, s.cfg.MaxRequestURILength)
		if err != nil {
			writeRawError(conn, 400, err.Error())
			return
		}

		s.handler(ex)
		_ = ex.EndStream()
		requests++

		if !ex.KeepAliveRequested() {
			return
		}
		if s.cfg.MaxRequestsPerConnection > 0 && requests >= s.cfg.MaxRequestsPerConnection {
			return
		}
	}
}

// readHeaderBlock reads from conn until it has seen a full CRLFCRLF
// terminated header block, returning that block (terminator included) and
// any body bytes read ahead of it in the same underlying reads.
func readHeaderBlock(conn *Conn) (header, leftover []byte, err error) {
	var buf []byte
	tmp := make([]byte, 4096)
	const maxHeaderBytes = 1 << 20
	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return buf[:idx+4], buf[idx+4:], nil
		}
		if len(buf) > maxHeaderBytes {
			return nil, nil, fmt.Errorf("transport: header block exceeds %d bytes", maxHeaderBytes)
		}
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
}

func writeRawError(conn *Conn, status int, msg string) {
	body := fmt.Sprintf("%d bad request: %s", status, msg)
	fmt.Fprintf(conn, "HTTP/1.1 %d Bad Request\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, len(body), body)
}

func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"use of closed network connection", "connection reset by peer"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
