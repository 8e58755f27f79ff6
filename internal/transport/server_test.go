package transport

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestServerServesAndKeepsAlive(t *testing.T) {
	srv := NewServer(Config{Address: "127.0.0.1:0", MaxConcurrentConnections: 4}, func(ex *Exchange) {
		ex.SetStatus(200)
		ex.AddHeader("Content-Type", "text/plain")
		ex.AddHeader("Content-Length", "2")
		ex.WriteChunk([]byte("ok"))
	})

	errCh := make(chan error, 1)
	addrCh := make(chan string, 1)
	go func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			errCh <- err
			return
		}
		srv.cfg.Address = ln.Addr().String()
		ln.Close()
		addrCh <- srv.cfg.Address
		errCh <- srv.Serve()
	}()

	addr := <-addrCh
	time.Sleep(20 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("unexpected status line: %q", line)
	}
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if h == "\r\n" {
			break
		}
	}
	body := make([]byte, 2)
	if _, err := io.ReadFull(r, body); err != nil || string(body) != "ok" {
		t.Fatalf("read body: %q, %v", body, err)
	}

	io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read second status line on the same connection: %v", err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("unexpected second status line: %q", line)
	}

	srv.Shutdown()
}

func TestIsCleanClose(t *testing.T) {
	if !isCleanClose(io.EOF) {
		t.Fatal("EOF should be a clean close")
	}
	if isCleanClose(io.ErrUnexpectedEOF) {
		t.Fatal("unexpected EOF should not be treated as clean")
	}
}
