package runner_test

import (
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/nettest"

	"github.com/crossdev/remotelink/internal/runner"
	"github.com/crossdev/remotelink/internal/stream"
	"github.com/crossdev/remotelink/internal/wire"
)

func loopbackPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("spawns a posix shell script")
	}

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err = net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case server = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server
}

func discardEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// waitForMessage drives a client-side engine's Update until it returns
// a message or the deadline passes.
func waitForMessage(t *testing.T, e *stream.Engine, timeout time.Duration) wire.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := e.Update()
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if msg != nil {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for message")
	return nil
}

func TestRunnerHandshakeAndLaunch(t *testing.T) {
	clientConn, serverConn := loopbackPair(t)

	ctx := runner.NewContext(serverConn, runner.Config{
		Log:          discardEntry(),
		VersionMajor: 1,
		VersionMinor: 0,
	})
	done := make(chan error, 1)
	go func() { done <- ctx.Serve() }()

	client := stream.New(clientConn)
	if _, err := client.BeginWrite(wire.HandshakeRequest{Major: 1, Minor: 0}, true); err != nil {
		t.Fatalf("BeginWrite handshake: %v", err)
	}
	if _, err := client.BeginRead(false); err != nil {
		t.Fatalf("BeginRead: %v", err)
	}

	reply := waitForMessage(t, client, 5*time.Second)
	hs, ok := reply.(wire.HandshakeReply)
	if !ok || hs.Major != 1 {
		t.Fatalf("handshake reply = %#v, ok=%v", reply, ok)
	}

	script := "#!/bin/sh\necho hello-from-child\nexit 0\n"
	if _, err := client.BeginWrite(wire.LaunchExecutableRequest{Path: "child.sh", Data: []byte(script)}, true); err != nil {
		t.Fatalf("BeginWrite launch: %v", err)
	}

	sawStdout := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := client.Update()
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		switch m := msg.(type) {
		case wire.StdoutOutput:
			if string(m.Data) != "" {
				sawStdout = true
			}
		case wire.LaunchExecutableReply:
			if m.LaunchStatus != 0 {
				t.Fatalf("LaunchExecutableReply.LaunchStatus = %d, want 0", m.LaunchStatus)
			}
			if !sawStdout {
				t.Fatalf("never observed stdout before exit reply")
			}
			clientConn.Close()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Serve: %v", err)
				}
			case <-time.After(time.Second):
			}
			return
		}
		if msg == nil {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for LaunchExecutableReply")
}
