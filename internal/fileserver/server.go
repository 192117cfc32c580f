package fileserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/crossdev/remotelink/internal/acceptor"
	"github.com/crossdev/remotelink/internal/stream"
	"github.com/crossdev/remotelink/internal/wire"
)

// Server is a Host-side sandboxed, read-only file service: one handle
// table shared by every connection against a single immutable base
// directory. Per §4.3, the base directory is canonicalized once at
// construction and never revisited.
type Server struct {
	log     *logrus.Entry
	baseDir string
	handles *handleTable

	// newLimiter, when non-nil, mints a fresh bytes/sec limiter per
	// connection. It is the domain-stack's use of golang.org/x/time/rate;
	// unset by default, since spec.md does not mandate throttling.
	newLimiter func() *rate.Limiter
}

// Config configures a Server.
type Config struct {
	BaseDir        string
	Log            *logrus.Entry
	BytesPerSecond float64 // 0 disables throttling
}

// New canonicalizes baseDir and constructs a Server ready to accept
// connections.
func New(cfg Config) (*Server, error) {
	canonical, err := resolveBase(cfg.BaseDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Log,
		baseDir: canonical,
		handles: newHandleTable(),
	}
	if cfg.BytesPerSecond > 0 {
		limit := rate.Limit(cfg.BytesPerSecond)
		s.newLimiter = func() *rate.Limiter { return rate.NewLimiter(limit, int(cfg.BytesPerSecond)) }
	}
	return s, nil
}

func resolveBase(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", &os.PathError{Op: "fileserver.New", Path: dir, Err: os.ErrInvalid}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// ListenAndServe starts the acceptor on bindAddress:port and blocks
// serving connections until it fails.
func (s *Server) ListenAndServe(bindAddress string, port uint16, maxConnections int, keepalive time.Duration) error {
	a, err := acceptor.New(s.log, bindAddress, port, maxConnections, keepalive)
	if err != nil {
		return err
	}
	defer a.Close()

	s.log.WithField("addr", a.Addr()).Info("file service listening")
	return a.Serve(s.ServeConn)
}

// ServeConn drives one connection's request/reply loop until EOF or a
// protocol violation, matching original_source's handle_file_client
// shape: non-blocking stream engine, 1ms idle sleep, per-request reqtrace
// span. It is exported so a caller (the Runner's child-connection
// handler, or a test) can serve a single accepted connection directly.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr()
	s.log.WithField("remote", peer).Info("file service: connection accepted")

	var limiter *rate.Limiter
	if s.newLimiter != nil {
		limiter = s.newLimiter()
	}

	engine := stream.New(conn)
	if _, err := engine.BeginRead(false); err != nil {
		s.log.WithError(err).Warn("file service: failed to arm read")
		return
	}

	for {
		msg, err := engine.Update()
		if err != nil {
			if err == io.EOF {
				s.log.WithField("remote", peer).Debug("file service: client disconnected")
				return
			}
			s.log.WithError(err).Warn("file service: connection error")
			return
		}
		if msg == nil {
			time.Sleep(time.Millisecond)
			continue
		}

		reply, ok := s.dispatch(msg, limiter)
		if !ok {
			s.log.WithField("type", fmt.Sprintf("%T", msg)).Warn("file service: unexpected message type")
			return
		}

		if _, err := engine.BeginWrite(reply, true); err != nil {
			s.log.WithError(err).Warn("file service: failed to write reply")
			return
		}
	}
}

func (s *Server) dispatch(msg wire.Message, limiter *rate.Limiter) (wire.Message, bool) {
	_, report := reqtrace.StartSpan(context.Background(), fmt.Sprintf("fileserver.%T", msg))
	var err error
	defer func() { report(err) }()

	switch m := msg.(type) {
	case wire.FileOpenRequest:
		return s.open(m), true
	case wire.FileReadRequest:
		return s.read(m, limiter), true
	case wire.FileCloseRequest:
		return s.close(m), true
	case wire.FileStatRequest:
		return s.stat(m), true
	case wire.FileReaddirRequest:
		return s.readdir(m), true
	default:
		err = fmt.Errorf("fileserver: unexpected message type %T", msg)
		return nil, false
	}
}

// open implements FileOpenRequest per §4.3: resolve within the sandbox,
// reject directories with EISDIR, and enforce MaxOpenFiles with ENFILE.
func (s *Server) open(m wire.FileOpenRequest) wire.FileOpenReply {
	path, err := resolve(s.baseDir, m.Path)
	if err != nil {
		return wire.FileOpenReply{Error: errnoForResolve(err)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return wire.FileOpenReply{Error: wire.ErrnoFromPathError(err)}
	}
	if info.IsDir() {
		return wire.FileOpenReply{Error: wire.ErrnoEISDIR}
	}

	f, err := os.Open(path)
	if err != nil {
		return wire.FileOpenReply{Error: wire.ErrnoFromPathError(err)}
	}

	handle, ok := s.handles.allocate(&openFile{file: f, path: path, size: uint64(info.Size())})
	if !ok {
		f.Close()
		return wire.FileOpenReply{Error: wire.ErrnoENFILE}
	}

	return wire.FileOpenReply{Handle: handle, Size: uint64(info.Size())}
}

// read implements FileReadRequest per §4.3: unknown handle is EBADF,
// oversized requests are EINVAL, reads past EOF return empty data, and
// the optional limiter throttles bytes actually returned.
func (s *Server) read(m wire.FileReadRequest, limiter *rate.Limiter) wire.FileReadReply {
	if m.Size > MaxReadSize {
		return wire.FileReadReply{Error: wire.ErrnoEINVAL}
	}

	of, ok := s.handles.get(m.Handle)
	if !ok {
		return wire.FileReadReply{Error: wire.ErrnoEBADF}
	}

	buf := make([]byte, m.Size)
	n, err := of.file.ReadAt(buf, int64(m.Offset))
	if err != nil && err != io.EOF {
		return wire.FileReadReply{Error: wire.ErrnoEIO}
	}

	if limiter != nil && n > 0 {
		limiter.WaitN(context.Background(), n)
	}

	return wire.FileReadReply{Data: buf[:n]}
}

// close implements FileCloseRequest per §4.3: unknown handle is EBADF.
func (s *Server) close(m wire.FileCloseRequest) wire.FileCloseReply {
	of, ok := s.handles.release(m.Handle)
	if !ok {
		return wire.FileCloseReply{Error: wire.ErrnoEBADF}
	}
	if err := of.file.Close(); err != nil {
		return wire.FileCloseReply{Error: wire.ErrnoEIO}
	}
	return wire.FileCloseReply{}
}

// stat implements FileStatRequest per §4.3: size, mtime as unix seconds,
// and is_dir.
func (s *Server) stat(m wire.FileStatRequest) wire.FileStatReply {
	path, err := resolve(s.baseDir, m.Path)
	if err != nil {
		return wire.FileStatReply{Error: errnoForResolve(err)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return wire.FileStatReply{Error: wire.ErrnoFromPathError(err)}
	}

	return wire.FileStatReply{
		Size:  uint64(info.Size()),
		Mtime: info.ModTime().Unix(),
		IsDir: info.IsDir(),
	}
}

// readdir implements FileReaddirRequest per §4.3: an ordered list of
// (name, is_dir) pairs for every entry directly inside path.
func (s *Server) readdir(m wire.FileReaddirRequest) wire.FileReaddirReply {
	path, err := resolve(s.baseDir, m.Path)
	if err != nil {
		return wire.FileReaddirReply{Error: errnoForResolve(err)}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return wire.FileReaddirReply{Error: wire.ErrnoFromPathError(err)}
	}

	out := make([]wire.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return wire.FileReaddirReply{Entries: out}
}
