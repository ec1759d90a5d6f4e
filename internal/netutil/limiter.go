// Package netutil provides the connection-count back-pressure listener
// wrapper described in §5: acceptance is gated by an atomic counter at the
// listener itself, so a surplus connection is closed immediately rather
// than being queued behind the goroutines already in flight.
package netutil

import (
	"net"
	"sync/atomic"

	"github.com/ouli-proxy/ouli/internal/metrics"
)

// LimitedListener wraps a net.Listener and refuses new connections once
// max concurrent connections are open, per §5's connection limit.
type LimitedListener struct {
	net.Listener
	max      int64
	current  int64
	endpoint string
}

// Limit wraps ln so that at most max connections are open at once. A max
// of 0 disables the limit.
func Limit(ln net.Listener, max int, endpoint string) *LimitedListener {
	return &LimitedListener{Listener: ln, max: int64(max), endpoint: endpoint}
}

// Accept blocks for the next connection, rejecting (closing immediately)
// any connection that would exceed the configured limit.
func (l *LimitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		n := atomic.AddInt64(&l.current, 1)
		if l.max > 0 && n > l.max {
			atomic.AddInt64(&l.current, -1)
			metrics.IncConnectionPoolRejection(l.endpoint)
			conn.Close()
			continue
		}
		return &countedConn{Conn: conn, l: l}, nil
	}
}

// Current reports the number of connections currently accepted and not
// yet closed.
func (l *LimitedListener) Current() int {
	return int(atomic.LoadInt64(&l.current))
}

type countedConn struct {
	net.Conn
	l        *LimitedListener
	released atomic.Bool
}

func (c *countedConn) Close() error {
	if c.released.CompareAndSwap(false, true) {
		atomic.AddInt64(&c.l.current, -1)
	}
	return c.Conn.Close()
}
