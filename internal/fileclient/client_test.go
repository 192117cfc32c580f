package fileclient_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/nettest"

	"github.com/crossdev/remotelink/internal/fileclient"
	"github.com/crossdev/remotelink/internal/fileserver"
)

func startServer(t *testing.T, base string) string {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv, err := fileserver.New(fileserver.Config{BaseDir: base, Log: logrus.NewEntry(log)})
	if err != nil {
		t.Fatalf("fileserver.New: %v", err)
	}

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()

	return ln.Addr().String()
}

func TestClientOpenReadClose(t *testing.T) {
	base := t.TempDir()
	content := "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	if err := os.WriteFile(filepath.Join(base, "file.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	addr := startServer(t, base)

	c, err := fileclient.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	handle, size, errno, err := c.Open("file.txt")
	if err != nil || errno != 0 {
		t.Fatalf("Open: errno=%d err=%v", errno, err)
	}
	if size != uint64(len(content)) {
		t.Fatalf("Open: size = %d, want %d", size, len(content))
	}

	data, errno, err := c.Read(handle, 10, 10)
	if err != nil || errno != 0 || string(data) != "ABCDEFGHIJ" {
		t.Fatalf("Read = %q, errno=%d err=%v", data, errno, err)
	}

	if errno, err := c.CloseHandle(handle); err != nil || errno != 0 {
		t.Fatalf("CloseHandle: errno=%d err=%v", errno, err)
	}
}

func TestClientStatAndReaddir(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "sub", "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	addr := startServer(t, base)
	c, err := fileclient.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	size, _, isDir, errno, err := c.Stat("sub")
	if err != nil || errno != 0 || !isDir {
		t.Fatalf("Stat(sub): size=%d isDir=%v errno=%d err=%v", size, isDir, errno, err)
	}

	entries, errno, err := c.Readdir("sub")
	if err != nil || errno != 0 {
		t.Fatalf("Readdir: errno=%d err=%v", errno, err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" {
		t.Fatalf("Readdir = %+v, want [a.txt]", entries)
	}
}
