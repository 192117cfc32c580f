// Package runner implements the Runner execution engine (C6): per
// control connection, it handshakes, stages incoming libraries and
// executables, spawns the child, pumps its stdout/stderr into the
// wire protocol, and tears everything down on stop or disconnect.
package runner

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/reqtrace"
	"github.com/sirupsen/logrus"

	"github.com/crossdev/remotelink/internal/stream"
	"github.com/crossdev/remotelink/internal/wire"
)

// StagingPrefix names the temp files this Runner creates, per §4.6's
// "<tmp>/<prefix>-<uuid>" convention.
const StagingPrefix = "remotelink"

// FileServicePort is the fixed secondary port the Host's file service
// listens on, per §6's CLI defaults.
const FileServicePort = 8889

// DefaultInterposerLibName is the filename `go build -buildmode=c-shared`
// produces for cmd/remotelink-preload, and the name findInterposer looks
// for in each search directory.
const DefaultInterposerLibName = "remotelink-preload.so"

// pumpChunkSize is the read granularity for the stdout/stderr pump
// threads, per §4.6 step 4.
const pumpChunkSize = 4096

// idlePoll is how long the main loop sleeps when neither the stream
// engine nor the child has anything ready, per §4.6 step 5.
const idlePoll = time.Millisecond

// Config configures how a Context locates and launches the interposer
// shared library and reports its own protocol version.
type Config struct {
	Log               *logrus.Entry
	VersionMajor      uint8
	VersionMinor      uint8
	InterposerSearch  []string // directories searched for the interposer shared library
	InterposerLibName string
}

// Context is the per-connection Runner state: one staged executable at
// a time, its temp directory, and the running child (if any). It is
// grounded on original_source's per-connection Context, adapted from
// Rust's thread+mpsc-channel pump into goroutines feeding buffered
// channels.
type Context struct {
	cfg    Config
	log    *logrus.Entry
	engine *stream.Engine

	peerAddr string

	tempDir    string
	stagedPath string

	child      *exec.Cmd
	stdoutCh   chan []byte
	stderrCh   chan []byte
	exitCh     chan error
	running    bool
}

// NewContext constructs a Runner context bound to one accepted
// connection.
func NewContext(conn net.Conn, cfg Config) *Context {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Context{
		cfg:      cfg,
		log:      cfg.Log,
		engine:   stream.New(conn),
		peerAddr: host,
	}
}

// Serve drives the per-connection loop until the peer disconnects or a
// StopExecutableRequest completes it, per §4.6.
func (c *Context) Serve() error {
	defer c.cleanup()

	if _, err := c.engine.BeginRead(false); err != nil {
		return fmt.Errorf("runner: arm read: %w", err)
	}

	for {
		msg, err := c.engine.Update()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("runner: stream error: %w", err)
		}

		if msg != nil {
			done, err := c.handleMessage(msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		if c.running {
			c.drainPumps()
			if exited, status := c.pollChild(); exited {
				reply := wire.LaunchExecutableReply{LaunchStatus: status}
				if _, err := c.engine.BeginWrite(reply, true); err != nil {
					return fmt.Errorf("runner: send exit reply: %w", err)
				}
				c.cleanup()
			}
		}

		if msg == nil {
			time.Sleep(idlePoll)
		}
	}
}

func (c *Context) handleMessage(msg wire.Message) (done bool, err error) {
	ctx, report := reqtrace.StartSpan(context.Background(), fmt.Sprintf("runner.%T", msg))
	_ = ctx
	defer func() { report(err) }()

	switch m := msg.(type) {
	case wire.HandshakeRequest:
		return false, c.handleHandshake(m)
	case wire.LibraryDataRequest:
		return false, c.handleLibraryData(m)
	case wire.LaunchExecutableRequest:
		return false, c.handleLaunch(m)
	case wire.StopExecutableRequest:
		return true, c.handleStop()
	default:
		return false, fmt.Errorf("runner: unexpected message type %T", msg)
	}
}

func (c *Context) handleHandshake(m wire.HandshakeRequest) error {
	if m.Major != c.cfg.VersionMajor {
		return fmt.Errorf("runner: %w: peer=%d runner=%d", wire.ErrVersionMismatch, m.Major, c.cfg.VersionMajor)
	}
	if m.Minor != c.cfg.VersionMinor {
		c.log.WithFields(logrus.Fields{"peer_minor": m.Minor, "runner_minor": c.cfg.VersionMinor}).
			Warn("protocol minor version mismatch")
	}
	_, err := c.engine.BeginWrite(wire.HandshakeReply{Major: c.cfg.VersionMajor, Minor: c.cfg.VersionMinor}, true)
	return err
}

func (c *Context) ensureTempDir() error {
	if c.tempDir != "" {
		return nil
	}
	dir, err := os.MkdirTemp("", StagingPrefix+"-")
	if err != nil {
		return fmt.Errorf("runner: create temp dir: %w", err)
	}
	c.tempDir = dir
	return nil
}

func (c *Context) handleLibraryData(m wire.LibraryDataRequest) error {
	if err := c.ensureTempDir(); err != nil {
		return err
	}
	dest := filepath.Join(c.tempDir, m.Name)
	if err := os.WriteFile(dest, m.Data, 0o644); err != nil {
		c.log.WithError(err).WithField("name", m.Name).Warn("failed to stage library")
		_, werr := c.engine.BeginWrite(wire.LibraryDataReply{Error: wire.ErrnoEIO}, true)
		return werr
	}
	_, err := c.engine.BeginWrite(wire.LibraryDataReply{}, true)
	return err
}

func binaryName(uuidStr string) string {
	if runtime.GOOS == "windows" {
		return StagingPrefix + "-" + uuidStr + ".exe"
	}
	return StagingPrefix + "-" + uuidStr
}

// handleLaunch replies at once only when staging or spawning fails; a
// successful launch is answered by the exit-status reply that Serve
// sends once pollChild sees the child exit.
func (c *Context) handleLaunch(m wire.LaunchExecutableRequest) error {
	reply := c.stageAndSpawn(m)
	if !reply.HasErrorInfo {
		return nil
	}
	_, err := c.engine.BeginWrite(reply, true)
	return err
}

func (c *Context) stageAndSpawn(m wire.LaunchExecutableRequest) wire.LaunchExecutableReply {
	if err := c.ensureTempDir(); err != nil {
		return launchFailure("Failed to launch executable")
	}

	staged := filepath.Join(c.tempDir, binaryName(uuid.NewString()))
	if err := os.WriteFile(staged, m.Data, 0o700); err != nil {
		c.log.WithError(err).Warn("failed to stage executable")
		return launchFailure("Failed to launch executable")
	}
	c.stagedPath = staged

	cmd := exec.Command(staged)
	cmd.Env = os.Environ()
	if m.FileServer {
		libPath := c.tempDir
		if existing, ok := os.LookupEnv("LD_LIBRARY_PATH"); ok && existing != "" {
			libPath = libPath + string(os.PathListSeparator) + existing
		}
		cmd.Env = append(cmd.Env,
			"LD_LIBRARY_PATH="+libPath,
			fmt.Sprintf("REMOTELINK_FILE_SERVER=%s:%d", c.peerAddr, FileServicePort),
		)
		if lib := c.findInterposer(); lib != "" {
			cmd.Env = append(cmd.Env, "LD_PRELOAD="+lib)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return launchFailure("Failed to launch executable")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return launchFailure("Failed to launch executable")
	}

	if err := cmd.Start(); err != nil {
		c.log.WithError(err).Warn("failed to spawn executable")
		return launchFailure("Failed to launch executable")
	}

	c.child = cmd
	c.stdoutCh = make(chan []byte, 64)
	c.stderrCh = make(chan []byte, 64)
	c.exitCh = make(chan error, 1)
	c.running = true

	go pump(stdout, c.stdoutCh)
	go pump(stderr, c.stderrCh)
	go func() { c.exitCh <- cmd.Wait() }()

	return wire.LaunchExecutableReply{LaunchStatus: 0}
}

func launchFailure(reason string) wire.LaunchExecutableReply {
	return wire.LaunchExecutableReply{LaunchStatus: -1, HasErrorInfo: true, ErrorInfo: reason}
}

// findInterposer searches the configured directories for the
// interposer shared library, per §4.6 step 4's "{alongside own
// executable, system paths, build output paths}" search order.
func (c *Context) findInterposer() string {
	if c.cfg.InterposerLibName == "" {
		return ""
	}
	for _, dir := range c.cfg.InterposerSearch {
		candidate := filepath.Join(dir, c.cfg.InterposerLibName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// pump reads r in pumpChunkSize chunks and pushes copies onto out,
// closing out when r returns EOF or an error, matching §4.6's
// single-producer/single-consumer pump thread.
func pump(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, pumpChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// drainPumps forwards any buffered stdout/stderr chunks as wire
// frames without blocking.
func (c *Context) drainPumps() {
	for {
		select {
		case data, ok := <-c.stdoutCh:
			if !ok {
				c.stdoutCh = nil
				continue
			}
			c.engine.BeginWrite(wire.StdoutOutput{Data: data}, true)
		case data, ok := <-c.stderrCh:
			if !ok {
				c.stderrCh = nil
				continue
			}
			c.engine.BeginWrite(wire.StderrOutput{Data: data}, true)
		default:
			return
		}
	}
}

// pollChild reports whether the child has exited and, if so, its exit
// status for the LaunchExecutableReply. Any exit — clean, non-zero, or
// a Wait() error — replies with error_info unset: that field is
// reserved for malformed request messages, not exit polling.
func (c *Context) pollChild() (exited bool, status int32) {
	select {
	case err := <-c.exitCh:
		if err == nil {
			return true, 0
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return true, int32(exitErr.ExitCode())
		}
		return true, -1
	default:
		return false, 0
	}
}

func (c *Context) handleStop() error {
	if c.running && c.child != nil && c.child.Process != nil {
		c.child.Process.Kill()
		select {
		case <-c.exitCh:
		case <-time.After(5 * time.Second):
		}
	}
	c.cleanup()
	_, err := c.engine.BeginWrite(wire.StopExecutableReply{}, true)
	return err
}

// cleanup is idempotent: best-effort kill the child if still running,
// drop the pump channels, and delete the staged executable, per §4.6
// step 6. Callers that need to know the child actually exited (stop,
// natural-exit polling) must drain exitCh themselves before calling
// cleanup; cleanup never blocks.
func (c *Context) cleanup() {
	if c.child != nil && c.child.Process != nil {
		c.child.Process.Kill()
	}
	c.child = nil
	c.running = false
	c.stdoutCh = nil
	c.stderrCh = nil
	c.exitCh = nil

	if c.stagedPath != "" {
		os.Remove(c.stagedPath)
		c.stagedPath = ""
	}
	if c.tempDir != "" {
		os.RemoveAll(c.tempDir)
		c.tempDir = ""
	}
}
