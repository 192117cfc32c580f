package interposer_test

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
	"github.com/crossdev/remotelink/internal/interposer"
)

func startFileServer(t *testing.T, base string) string {
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

func TestCacheDownloadsOnceAndReuses(t *testing.T) {
	base := t.TempDir()
	content := []byte("not really an ELF shared object, just bytes")
	if err := os.WriteFile(filepath.Join(base, "libfoo.so.1"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	addr := startFileServer(t, base)
	client, err := fileclient.Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	cache, err := interposer.NewCache("remotelink-test", os.Getpid())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Teardown()

	path1, err := cache.Resolve(client, "libfoo.so.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := os.ReadFile(path1)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path1, err)
	}
	if string(got) != string(content) {
		t.Fatalf("cached content = %q, want %q", got, content)
	}

	path2, err := cache.Resolve(client, "libfoo.so.1")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if path2 != path1 {
		t.Fatalf("second Resolve returned a different path: %q vs %q", path2, path1)
	}
}
