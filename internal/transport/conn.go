package transport

import (
	"net"
	"sync"
	"sync/atomic"
)

// Conn is a handle over a single accepted net.Conn. The accept loop
// constructs an owning Conn and hands it to the worker goroutine that will
// serve the connection; any handle derived from Alias is non-owning and can
// read and write but never closes the socket. This mirrors the reference
// design's copy-without-transfer semantics across a fork() without actually
// forking: one goroutine ends up solely responsible for Teardown.
type Conn struct {
	raw    net.Conn
	owned  atomic.Bool
	once   sync.Once
	closed atomic.Bool
}

// NewConn wraps raw as an owning handle.
func NewConn(raw net.Conn) *Conn {
	c := &Conn{raw: raw}
	c.owned.Store(true)
	return c
}

// Alias returns a non-owning handle over the same socket. Teardown on an
// alias is always a no-op.
func (c *Conn) Alias() *Conn {
	return &Conn{raw: c.raw}
}

// ReleaseOwnership demotes c to non-owning; subsequent Teardown calls on c
// become no-ops. Used when a handle outlives the goroutine responsible for
// closing the connection.
func (c *Conn) ReleaseOwnership() {
	c.owned.Store(false)
}

func (c *Conn) Read(b []byte) (int, error)  { return c.raw.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.raw.Write(b) }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }

// Teardown closes the underlying socket exactly once, and only if this
// handle owns it. Calling Teardown from multiple goroutines, or on multiple
// aliases, is safe: the socket closes at most once.
func (c *Conn) Teardown() error {
	if !c.owned.Load() {
		return nil
	}
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.raw.Close()
	})
	return err
}

// Closed reports whether Teardown has already closed the socket.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}
