// Command remotelink is the single binary that runs as either the
// Host (dev workstation) or the Runner (target machine), selected by
// --remote-runner.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/crossdev/remotelink/internal/acceptor"
	"github.com/crossdev/remotelink/internal/host"
	"github.com/crossdev/remotelink/internal/logging"
	"github.com/crossdev/remotelink/internal/runner"
	"github.com/crossdev/remotelink/internal/wire"
)

type flags struct {
	remoteRunner bool
	port         uint16
	target       string
	filename     string
	bindAddress  string
	maxConns     int

	connectTimeoutSecs uint
	readTimeoutSecs    uint
	writeTimeoutSecs   uint
	keepaliveSecs      uint

	watch    bool
	fileDir  string
	logLevel string
}

func main() {
	f := &flags{}

	cmd := &cobra.Command{
		Use:           "remotelink",
		Short:         "Run a binary on a remote machine and stream its output back",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.remoteRunner, "remote-runner", false, "run in Runner mode")
	fl.Uint16Var(&f.port, "port", 8888, "control connection port")
	fl.StringVar(&f.target, "target", "", "Runner address (Host only)")
	fl.StringVar(&f.filename, "filename", "", "binary to run remotely (Host only)")
	fl.StringVar(&f.bindAddress, "bind-address", "0.0.0.0", "address to bind (Runner only)")
	fl.IntVar(&f.maxConns, "max-connections", 16, "maximum concurrent connections")
	fl.UintVar(&f.connectTimeoutSecs, "connect-timeout-secs", 10, "connect timeout")
	fl.UintVar(&f.readTimeoutSecs, "read-timeout-secs", 30, "read timeout")
	fl.UintVar(&f.writeTimeoutSecs, "write-timeout-secs", 30, "write timeout")
	fl.UintVar(&f.keepaliveSecs, "keepalive-secs", 30, "TCP keepalive interval")
	fl.BoolVar(&f.watch, "watch", false, "rebuild-and-restart on binary change (Host only)")
	fl.StringVar(&f.fileDir, "file-dir", "", "base directory for the Host-side file service")
	fl.StringVar(&f.logLevel, "log-level", "info", fmt.Sprintf("one of %v", logging.Levels))

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "remotelink:", err)
		os.Exit(1)
	}
}

func run(f *flags) error {
	log, err := logging.New(f.logLevel)
	if err != nil {
		return err
	}

	if f.remoteRunner {
		return runRunner(f, log)
	}
	return runHost(f, log)
}

func runHost(f *flags, log *logrus.Entry) error {
	cfg := host.Config{
		Log:             log,
		Target:          f.target,
		Port:            f.port,
		Filename:        f.filename,
		Watch:           f.watch,
		FileDir:         f.fileDir,
		FileServicePort: 8889,
		MaxConnections:  f.maxConns,
		ConnectTimeout:  time.Duration(f.connectTimeoutSecs) * time.Second,
		ReadTimeout:     time.Duration(f.readTimeoutSecs) * time.Second,
		WriteTimeout:    time.Duration(f.writeTimeoutSecs) * time.Second,
		Keepalive:       time.Duration(f.keepaliveSecs) * time.Second,
		VersionMajor:    wire.ProtocolVersionMajor,
		VersionMinor:    wire.ProtocolVersionMinor,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	}
	return host.Run(cfg)
}

func runRunner(f *flags, log *logrus.Entry) error {
	a, err := acceptor.New(log, f.bindAddress, f.port, f.maxConns, time.Duration(f.keepaliveSecs)*time.Second)
	if err != nil {
		return err
	}
	defer a.Close()

	log.WithField("addr", a.Addr()).Info("runner listening")

	search := interposerSearchDirs()
	log.WithField("search", search).Debug("interposer search path")

	return a.Serve(func(conn net.Conn) {
		ctx := runner.NewContext(conn, runner.Config{
			Log:               log,
			VersionMajor:      wire.ProtocolVersionMajor,
			VersionMinor:      wire.ProtocolVersionMinor,
			InterposerSearch:  search,
			InterposerLibName: runner.DefaultInterposerLibName,
		})
		if err := ctx.Serve(); err != nil {
			log.WithError(err).Warn("connection ended")
		}
	})
}

// interposerSearchDirs builds the {alongside own executable, system
// paths, build output paths} search order spec.md requires for locating
// the LD_PRELOAD interposer shared library.
func interposerSearchDirs() []string {
	var dirs []string

	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	dirs = append(dirs, "/usr/local/lib", "/usr/lib", "/lib")

	if gobin := os.Getenv("GOBIN"); gobin != "" {
		dirs = append(dirs, gobin)
	}
	if gopath := os.Getenv("GOPATH"); gopath != "" {
		dirs = append(dirs, filepath.Join(gopath, "bin"))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}

	return dirs
}
