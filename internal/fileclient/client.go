// Package fileclient is the Runner-side synchronous wrapper around the
// file service's framed wire protocol (C4): one request in flight at a
// time per connection, each bounded by a fixed operation timeout.
package fileclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/crossdev/remotelink/internal/stream"
	"github.com/crossdev/remotelink/internal/wire"
)

// OpTimeout bounds every request/reply round trip, per §5's read/write
// socket default of 30s.
const OpTimeout = 30 * time.Second

// Client issues Open/Read/Close/Stat/Readdir requests over a single
// connection to a Host-side file service and waits synchronously for
// each reply.
type Client struct {
	conn   net.Conn
	engine *stream.Engine
}

// Dial connects to the file service at addr with the given connect
// timeout. The engine starts in Complete; each request's write arms the
// read for its reply.
func Dial(ctx context.Context, addr string, connectTimeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("fileclient: dial %s: %w", addr, err)
	}

	return &Client{conn: conn, engine: stream.New(conn)}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends req and blocks for the next reply, or until OpTimeout
// elapses. It returns whatever message arrives; each caller checks the
// reply type and reports an unexpected one as EIO with
// wire.ErrUnexpectedReply.
func (c *Client) roundTrip(req wire.Message) (wire.Message, error) {
	if _, err := c.engine.BeginWrite(req, true); err != nil {
		return nil, fmt.Errorf("fileclient: send %T: %w", req, err)
	}

	deadline := time.Now().Add(OpTimeout)
	for {
		msg, err := c.engine.Update()
		if err != nil {
			return nil, fmt.Errorf("fileclient: await reply to %T: %w", req, err)
		}
		if msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("fileclient: timed out awaiting reply to %T", req)
		}
		time.Sleep(time.Millisecond)
	}
}

// Open issues a FileOpenRequest.
func (c *Client) Open(path string) (handle uint32, size uint64, errno int32, err error) {
	reply, err := c.roundTrip(wire.FileOpenRequest{Path: path})
	if err != nil {
		return 0, 0, wire.ErrnoEIO, err
	}
	r, ok := reply.(wire.FileOpenReply)
	if !ok {
		return 0, 0, wire.ErrnoEIO, fmt.Errorf("fileclient: %w: %T to FileOpenRequest", wire.ErrUnexpectedReply, reply)
	}
	return r.Handle, r.Size, r.Error, nil
}

// Read issues a FileReadRequest for at most 4 MiB, per §5's interposer
// read cap (callers are expected to clamp size before calling, but
// Read enforces it defensively too).
func (c *Client) Read(handle uint32, offset uint64, size uint32) (data []byte, errno int32, err error) {
	if size > wire.MaxReadSize {
		size = wire.MaxReadSize
	}
	reply, err := c.roundTrip(wire.FileReadRequest{Handle: handle, Offset: offset, Size: size})
	if err != nil {
		return nil, wire.ErrnoEIO, err
	}
	r, ok := reply.(wire.FileReadReply)
	if !ok {
		return nil, wire.ErrnoEIO, fmt.Errorf("fileclient: %w: %T to FileReadRequest", wire.ErrUnexpectedReply, reply)
	}
	return r.Data, r.Error, nil
}

// CloseHandle issues a FileCloseRequest.
func (c *Client) CloseHandle(handle uint32) (errno int32, err error) {
	reply, err := c.roundTrip(wire.FileCloseRequest{Handle: handle})
	if err != nil {
		return wire.ErrnoEIO, err
	}
	r, ok := reply.(wire.FileCloseReply)
	if !ok {
		return wire.ErrnoEIO, fmt.Errorf("fileclient: %w: %T to FileCloseRequest", wire.ErrUnexpectedReply, reply)
	}
	return r.Error, nil
}

// Stat issues a FileStatRequest.
func (c *Client) Stat(path string) (size uint64, mtime int64, isDir bool, errno int32, err error) {
	reply, err := c.roundTrip(wire.FileStatRequest{Path: path})
	if err != nil {
		return 0, 0, false, wire.ErrnoEIO, err
	}
	r, ok := reply.(wire.FileStatReply)
	if !ok {
		return 0, 0, false, wire.ErrnoEIO, fmt.Errorf("fileclient: %w: %T to FileStatRequest", wire.ErrUnexpectedReply, reply)
	}
	return r.Size, r.Mtime, r.IsDir, r.Error, nil
}

// Readdir issues a FileReaddirRequest.
func (c *Client) Readdir(path string) (entries []wire.DirEntry, errno int32, err error) {
	reply, err := c.roundTrip(wire.FileReaddirRequest{Path: path})
	if err != nil {
		return nil, wire.ErrnoEIO, err
	}
	r, ok := reply.(wire.FileReaddirReply)
	if !ok {
		return nil, wire.ErrnoEIO, fmt.Errorf("fileclient: %w: %T to FileReaddirRequest", wire.ErrUnexpectedReply, reply)
	}
	return r.Entries, r.Error, nil
}
