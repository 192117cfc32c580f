package fileserver

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/crossdev/remotelink/internal/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	base := t.TempDir()
	s, err := New(Config{BaseDir: base, Log: discardLog()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, base
}

func TestOpenReadCloseRoundTrip(t *testing.T) {
	s, base := newTestServer(t)

	if err := os.MkdirAll(filepath.Join(base, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	if err := os.WriteFile(filepath.Join(base, "data", "file.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	openReply := s.open(wire.FileOpenRequest{Path: "data/file.txt"})
	if openReply.Error != 0 {
		t.Fatalf("open: errno %d", openReply.Error)
	}
	if openReply.Size != uint64(len(content)) {
		t.Fatalf("open: size = %d, want %d", openReply.Size, len(content))
	}

	r1 := s.read(wire.FileReadRequest{Handle: openReply.Handle, Offset: 10, Size: 10}, nil)
	if r1.Error != 0 || string(r1.Data) != "ABCDEFGHIJ" {
		t.Fatalf("read(10,10) = %q, errno %d", r1.Data, r1.Error)
	}

	r2 := s.read(wire.FileReadRequest{Handle: openReply.Handle, Offset: 20, Size: 16}, nil)
	if r2.Error != 0 || string(r2.Data) != "KLMNOPQRSTUVWXYZ" {
		t.Fatalf("read(20,16) = %q, errno %d", r2.Data, r2.Error)
	}

	r3 := s.read(wire.FileReadRequest{Handle: openReply.Handle, Offset: 36, Size: 10}, nil)
	if r3.Error != 0 || len(r3.Data) != 0 {
		t.Fatalf("read past EOF = %q, errno %d, want empty", r3.Data, r3.Error)
	}

	closeReply := s.close(wire.FileCloseRequest{Handle: openReply.Handle})
	if closeReply.Error != 0 {
		t.Fatalf("close: errno %d", closeReply.Error)
	}

	// A handle is unusable once released.
	if rr := s.read(wire.FileReadRequest{Handle: openReply.Handle, Offset: 0, Size: 1}, nil); rr.Error == 0 {
		t.Fatalf("read after close: expected EBADF, got success")
	}
}

func TestOpenRejectsPathTraversal(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{
		"../../../etc/passwd",
		"subdir/../../etc/passwd",
	} {
		reply := s.open(wire.FileOpenRequest{Path: path})
		if reply.Error == 0 {
			t.Fatalf("open(%q): expected error, got success", path)
		}
	}
}

func TestOpenRejectsDirectory(t *testing.T) {
	s, base := newTestServer(t)
	if err := os.MkdirAll(filepath.Join(base, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	reply := s.open(wire.FileOpenRequest{Path: "subdir"})
	if reply.Error == 0 {
		t.Fatalf("open(subdir): expected EISDIR, got success")
	}
}

func TestReaddirOrdersEntries(t *testing.T) {
	s, base := newTestServer(t)
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(base, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	reply := s.readdir(wire.FileReaddirRequest{Path: "."})
	if reply.Error != 0 {
		t.Fatalf("readdir: errno %d", reply.Error)
	}
	if len(reply.Entries) != 3 {
		t.Fatalf("readdir: got %d entries, want 3", len(reply.Entries))
	}
	for i, want := range []string{"a.txt", "b.txt", "c.txt"} {
		if reply.Entries[i].Name != want {
			t.Fatalf("entry[%d] = %q, want %q", i, reply.Entries[i].Name, want)
		}
	}
}

func TestReadRejectsOversizedRequest(t *testing.T) {
	s, base := newTestServer(t)
	if err := os.WriteFile(filepath.Join(base, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	openReply := s.open(wire.FileOpenRequest{Path: "f"})
	if openReply.Error != 0 {
		t.Fatalf("open: errno %d", openReply.Error)
	}

	reply := s.read(wire.FileReadRequest{Handle: openReply.Handle, Offset: 0, Size: MaxReadSize + 1}, nil)
	if reply.Error == 0 {
		t.Fatalf("read: expected EINVAL for oversized request, got success")
	}
}
