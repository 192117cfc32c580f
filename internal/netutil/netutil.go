// Package netutil holds the socket-option helpers shared by every
// listener and connection in remotelink: SO_REUSEADDR on listeners,
// TCP_NODELAY and SO_KEEPALIVE on accepted connections, grounded on the
// teacher's direct golang.org/x/sys/unix dependency.
package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ConfigureAccepted applies the per-connection socket options mandated by
// §4.9: TCP_NODELAY and SO_KEEPALIVE.
func ConfigureAccepted(conn net.Conn, keepalive time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return fmt.Errorf("netutil: SetNoDelay: %w", err)
	}
	if keepalive > 0 {
		if err := tc.SetKeepAlive(true); err != nil {
			return fmt.Errorf("netutil: SetKeepAlive: %w", err)
		}
		if err := tc.SetKeepAlivePeriod(keepalive); err != nil {
			return fmt.Errorf("netutil: SetKeepAlivePeriod: %w", err)
		}
	}
	return nil
}

// ListenReusable binds a TCP listener on addr with SO_REUSEADDR set
// explicitly via the raw socket option, the way original_source's
// start_file_server_on_port sets it manually before bind (there via raw
// libc::setsockopt, here via golang.org/x/sys/unix.SetsockoptInt on the
// listener's raw fd through ListenConfig.Control).
func ListenReusable(network, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), network, addr)
}
