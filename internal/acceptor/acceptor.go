// Package acceptor implements the connection acceptor (C9): bind/listen
// with a cap on concurrently active connections, rejecting anything over
// the cap before it reaches a handler.
package acceptor

import (
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crossdev/remotelink/internal/netutil"
)

// Handler processes one accepted connection. It is invoked on its own
// goroutine; the acceptor decrements its connection counter when Handler
// returns.
type Handler func(conn net.Conn)

// Acceptor binds bindAddress:port, listens, and fans out accepted
// connections to Handler while never letting the active count exceed Max.
type Acceptor struct {
	log          *logrus.Entry
	ln           net.Listener
	max          int64
	active       int64
	keepalive    time.Duration
}

// New binds and listens on bindAddress:port. Binding to 0.0.0.0 logs a
// warning, per §4.9.
func New(log *logrus.Entry, bindAddress string, port uint16, max int, keepalive time.Duration) (*Acceptor, error) {
	addr := net.JoinHostPort(bindAddress, strconv.Itoa(int(port)))
	if strings.TrimSpace(bindAddress) == "0.0.0.0" {
		log.Warn("binding to 0.0.0.0; this listener is reachable from any interface")
	}

	ln, err := netutil.ListenReusable("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Acceptor{
		log:       log,
		ln:        ln,
		max:       int64(max),
		keepalive: keepalive,
	}, nil
}

// Addr returns the bound local address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Close stops accepting new connections.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Serve accepts connections until the listener is closed, dispatching
// each to handler on its own goroutine. It never blocks the accept loop
// on a handler's own I/O.
func (a *Acceptor) Serve(handler Handler) error {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return err
		}

		// Only this loop increments active, so checking before the
		// increment keeps the count at or below max.
		if atomic.LoadInt64(&a.active) >= a.max {
			a.log.WithField("remote", conn.RemoteAddr()).Warn("rejecting connection: at max_connections")
			conn.Close()
			continue
		}
		atomic.AddInt64(&a.active, 1)

		if err := netutil.ConfigureAccepted(conn, a.keepalive); err != nil {
			a.log.WithError(err).Warn("failed to configure accepted connection")
		}

		go func() {
			defer atomic.AddInt64(&a.active, -1)
			handler(conn)
		}()
	}
}

// ActiveConnections reports the current count of in-flight handlers; it
// never exceeds the Max passed to New.
func (a *Acceptor) ActiveConnections() int64 { return atomic.LoadInt64(&a.active) }

