// Package host implements the Host control loop (C7): connect to a
// Runner, handshake, optionally pre-send a binary's non-system shared
// libraries, launch it, relay its stdout/stderr to the terminal, and
// either exit after the first reply or keep watching for rebuilds.
package host

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/sirupsen/logrus"

	"github.com/crossdev/remotelink/internal/elfdeps"
	"github.com/crossdev/remotelink/internal/fileserver"
	"github.com/crossdev/remotelink/internal/netutil"
	"github.com/crossdev/remotelink/internal/stream"
	"github.com/crossdev/remotelink/internal/watcher"
	"github.com/crossdev/remotelink/internal/wire"
)

// Config configures one Host control-loop run.
type Config struct {
	Log *logrus.Entry

	Target string
	Port   uint16

	Filename string
	Watch    bool

	FileDir         string
	FileServicePort uint16

	MaxConnections  int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Keepalive       time.Duration

	VersionMajor uint8
	VersionMinor uint8

	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the control loop described in §4.7, returning once the
// binary has finished (non-watch mode) or the process is interrupted
// (watch mode).
func Run(cfg Config) error {
	if cfg.FileDir != "" {
		go serveFiles(cfg)
	}

	addr := net.JoinHostPort(cfg.Target, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("host: connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if err := netutil.ConfigureAccepted(conn, cfg.Keepalive); err != nil {
		cfg.Log.WithError(err).Warn("failed to configure connection")
	}

	engine := stream.New(conn)

	if err := handshake(engine, cfg); err != nil {
		return err
	}

	running := false
	if cfg.Filename != "" {
		if err := sendLibraries(engine, cfg); err != nil {
			return err
		}
		if err := launch(engine, cfg); err != nil {
			return err
		}
		running = true
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var w *watcher.Watcher
	if cfg.Watch && cfg.Filename != "" {
		w = watcher.New(cfg.Filename)
	}

	for {
		select {
		case <-sigCh:
			return interrupt(engine, cfg)
		default:
		}

		msg, err := engine.Update()
		if err != nil {
			return fmt.Errorf("host: stream error: %w", err)
		}

		if msg != nil {
			if done, err := handleReply(msg, cfg, &running); err != nil {
				return err
			} else if done && !cfg.Watch {
				return nil
			}
			// A finished read leaves the engine in Complete; arm the next one.
			if _, err := engine.BeginRead(false); err != nil {
				return fmt.Errorf("host: arm read: %w", err)
			}
		}

		if w != nil {
			res, err := w.CheckForStableChange()
			if err != nil {
				cfg.Log.WithError(err).Warn("watcher error; disabling watch")
				w = nil
			} else if res == watcher.ChangedAndStable {
				if running {
					if err := stopCurrent(engine, cfg); err != nil {
						cfg.Log.WithError(err).Warn("failed to stop running child before restart")
					}
				}
				if err := sendLibraries(engine, cfg); err != nil {
					return err
				}
				if err := launch(engine, cfg); err != nil {
					return err
				}
				running = true
			}
		}

		if msg == nil {
			time.Sleep(time.Millisecond)
		}
	}
}

func handshake(engine *stream.Engine, cfg Config) error {
	if _, err := engine.BeginWrite(wire.HandshakeRequest{Major: cfg.VersionMajor, Minor: cfg.VersionMinor}, true); err != nil {
		return fmt.Errorf("host: send handshake: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		msg, err := engine.Update()
		if err != nil {
			return fmt.Errorf("host: await handshake reply: %w", err)
		}
		if msg != nil {
			reply, ok := msg.(wire.HandshakeReply)
			if !ok {
				return fmt.Errorf("host: unexpected reply type %T to handshake", msg)
			}
			if reply.Major != cfg.VersionMajor {
				return fmt.Errorf("host: %w: runner=%d host=%d", wire.ErrVersionMismatch, reply.Major, cfg.VersionMajor)
			}
			if reply.Minor != cfg.VersionMinor {
				cfg.Log.WithFields(logrus.Fields{"runner_minor": reply.Minor, "host_minor": cfg.VersionMinor}).
					Warn("protocol minor version mismatch")
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("host: timed out awaiting handshake reply")
		}
		time.Sleep(time.Millisecond)
	}
}

func sendLibraries(engine *stream.Engine, cfg Config) error {
	_, report := reqtrace.StartSpan(context.Background(), "host.sendLibraries")
	var err error
	defer func() { report(err) }()

	f, openErr := os.Open(cfg.Filename)
	if openErr != nil {
		err = fmt.Errorf("host: open %s: %w", cfg.Filename, openErr)
		return err
	}
	defer f.Close()

	deps, extractErr := elfdeps.Extract(f)
	if extractErr != nil {
		cfg.Log.WithError(extractErr).Warn("failed to parse ELF dependencies; launching without library pre-send")
		return nil
	}

	for _, name := range deps.Needed {
		path := elfdeps.Resolve(deps.SearchPaths, name, func(p string) bool {
			_, statErr := os.Stat(p)
			return statErr == nil
		})
		if path == "" {
			continue
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			cfg.Log.WithError(readErr).WithField("library", path).Warn("failed to read dependency")
			continue
		}

		if _, err = engine.BeginWrite(wire.LibraryDataRequest{Name: filepath.Base(path), Data: data}, true); err != nil {
			return fmt.Errorf("host: send library %s: %w", name, err)
		}
		if err = awaitReply(engine, func(msg wire.Message) bool { _, ok := msg.(wire.LibraryDataReply); return ok }); err != nil {
			return err
		}
	}
	return nil
}

func launch(engine *stream.Engine, cfg Config) error {
	data, err := os.ReadFile(cfg.Filename)
	if err != nil {
		return fmt.Errorf("host: read %s: %w", cfg.Filename, err)
	}

	req := wire.LaunchExecutableRequest{
		FileServer: cfg.FileDir != "",
		Path:       filepath.Base(cfg.Filename),
		Data:       data,
	}
	if _, err := engine.BeginWrite(req, true); err != nil {
		return fmt.Errorf("host: send launch request: %w", err)
	}
	return nil
}

// handleReply processes one message from the main loop's perspective:
// relay output, print exit status. It reports done=true once a
// LaunchExecutableReply has been observed.
func handleReply(msg wire.Message, cfg Config, running *bool) (done bool, err error) {
	switch m := msg.(type) {
	case wire.StdoutOutput:
		cfg.Stdout.Write(m.Data)
	case wire.StderrOutput:
		cfg.Stderr.Write(m.Data)
	case wire.LaunchExecutableReply:
		*running = false
		if m.HasErrorInfo {
			fmt.Fprintf(cfg.Stderr, "launch failed: %s\n", m.ErrorInfo)
		} else {
			fmt.Fprintf(cfg.Stderr, "child exited with status %d\n", m.LaunchStatus)
		}
		return true, nil
	}
	return false, nil
}

func interrupt(engine *stream.Engine, cfg Config) error {
	if _, err := engine.BeginWrite(wire.StopExecutableRequest{}, true); err != nil {
		return fmt.Errorf("host: send stop request: %w", err)
	}
	deadline := time.Now().Add(30 * time.Millisecond)
	for time.Now().Before(deadline) {
		msg, err := engine.Update()
		if err != nil {
			return nil
		}
		if _, ok := msg.(wire.StopExecutableReply); ok {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func stopCurrent(engine *stream.Engine, cfg Config) error {
	if _, err := engine.BeginWrite(wire.StopExecutableRequest{}, true); err != nil {
		return err
	}
	return awaitReply(engine, func(msg wire.Message) bool { _, ok := msg.(wire.StopExecutableReply); return ok }, 5*time.Second)
}

func awaitReply(engine *stream.Engine, match func(wire.Message) bool, timeout ...time.Duration) error {
	d := 30 * time.Second
	if len(timeout) > 0 {
		d = timeout[0]
	}
	deadline := time.Now().Add(d)
	for {
		msg, err := engine.Update()
		if err != nil {
			return fmt.Errorf("host: await reply: %w", err)
		}
		if msg != nil && match(msg) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("host: timed out awaiting reply")
		}
		time.Sleep(time.Millisecond)
	}
}

func serveFiles(cfg Config) {
	srv, err := fileserver.New(fileserver.Config{BaseDir: cfg.FileDir, Log: cfg.Log})
	if err != nil {
		cfg.Log.WithError(err).Error("failed to start file service")
		return
	}
	if err := srv.ListenAndServe("0.0.0.0", cfg.FileServicePort, cfg.MaxConnections, cfg.Keepalive); err != nil {
		cfg.Log.WithError(err).Error("file service stopped")
	}
}
