package interposer

import (
	"syscall"
	"testing"

	"github.com/crossdev/remotelink/internal/wire"
)

func TestIsSharedLibrary(t *testing.T) {
	cases := map[string]bool{
		"libfoo.so":       true,
		"libfoo.so.1":     true,
		"libfoo.so.1.2.3": true,
		"libc.so.6":       true,
		"file.txt":        false,
		"file.so.txt":     false,
		"file.so.abc":     false,
		"myfile":          false,
	}
	for path, want := range cases {
		if got := IsSharedLibrary(path); got != want {
			t.Errorf("IsSharedLibrary(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestVFDTableAllocateCapsAtMax(t *testing.T) {
	tbl := newVFDTable()
	for i := 0; i < MaxVFDs; i++ {
		if _, ok := tbl.Allocate(&VFD{}); !ok {
			t.Fatalf("Allocate failed before reaching MaxVFDs at i=%d", i)
		}
	}
	if _, ok := tbl.Allocate(&VFD{}); ok {
		t.Fatalf("Allocate succeeded past MaxVFDs")
	}
}

func TestVFDTableHandlesStartAtBase(t *testing.T) {
	tbl := newVFDTable()
	vfd, ok := tbl.Allocate(&VFD{Size: 10})
	if !ok || vfd < VFDBase {
		t.Fatalf("Allocate() = %d, ok=%v; want >= %d", vfd, ok, VFDBase)
	}
	if !IsVirtual(vfd) {
		t.Fatalf("IsVirtual(%d) = false", vfd)
	}
}

func TestSeek(t *testing.T) {
	v := &VFD{Offset: 50, Size: 100}

	if got, ok := Seek(v, 10, SeekSet); !ok || got != 10 {
		t.Fatalf("SeekSet(10) = %d, %v", got, ok)
	}
	if _, ok := Seek(v, -1, SeekSet); ok {
		t.Fatalf("SeekSet(-1) should fail")
	}

	if got, ok := Seek(v, 5, SeekCur); !ok || got != 55 {
		t.Fatalf("SeekCur(5) = %d, %v", got, ok)
	}
	if _, ok := Seek(v, -100, SeekCur); ok {
		t.Fatalf("SeekCur(-100) should underflow to failure")
	}

	if got, ok := Seek(v, 0, SeekEnd); !ok || got != 100 {
		t.Fatalf("SeekEnd(0) = %d, %v", got, ok)
	}

	if _, ok := Seek(v, 0, 99); ok {
		t.Fatalf("unknown whence should fail")
	}
}

func TestDirStreamNext(t *testing.T) {
	d := &DirStream{Entries: []wire.DirEntry{{Name: "a"}, {Name: "b"}}}

	e, ok := d.Next()
	if !ok || e.Name != "a" {
		t.Fatalf("Next() = %+v, %v", e, ok)
	}
	e, ok = d.Next()
	if !ok || e.Name != "b" {
		t.Fatalf("Next() = %+v, %v", e, ok)
	}
	if _, ok := d.Next(); ok {
		t.Fatalf("Next() past end should report false")
	}
}

func TestDirTableOpenGetClose(t *testing.T) {
	tbl := newDirTable()
	h := tbl.Open(&DirStream{Entries: []wire.DirEntry{{Name: "x"}}})
	if h == 0 {
		t.Fatalf("Open returned handle 0")
	}
	if _, ok := tbl.Get(h); !ok {
		t.Fatalf("Get(%d) failed after Open", h)
	}
	if ok := tbl.Close(h); !ok {
		t.Fatalf("Close(%d) failed", h)
	}
	if _, ok := tbl.Get(h); ok {
		t.Fatalf("Get(%d) succeeded after Close", h)
	}
}

func TestFallbackLocalSuccess(t *testing.T) {
	res, errno := Fallback("/tmp/x", true,
		func() (bool, syscall.Errno) { return true, 0 },
		func() (bool, syscall.Errno) { t.Fatal("tryRemote should not be called"); return false, 0 },
	)
	if res != ResolvedLocal || errno != 0 {
		t.Fatalf("Fallback = %v, %v", res, errno)
	}
}

func TestFallbackLocalENOENTFallsBackToRemote(t *testing.T) {
	res, errno := Fallback("/tmp/x", true,
		func() (bool, syscall.Errno) { return false, syscall.ENOENT },
		func() (bool, syscall.Errno) { return true, 0 },
	)
	if res != ResolvedRemote || errno != 0 {
		t.Fatalf("Fallback = %v, %v", res, errno)
	}
}

func TestFallbackLocalOtherErrorDoesNotTryRemote(t *testing.T) {
	res, errno := Fallback("/tmp/x", true,
		func() (bool, syscall.Errno) { return false, syscall.EACCES },
		func() (bool, syscall.Errno) { t.Fatal("tryRemote should not be called"); return false, 0 },
	)
	if res != ResolvedFailed || errno != syscall.EACCES {
		t.Fatalf("Fallback = %v, %v", res, errno)
	}
}

func TestFallbackHostPrefixSkipsLocal(t *testing.T) {
	res, errno := Fallback("/host/data/x", true,
		func() (bool, syscall.Errno) { t.Fatal("tryLocal should not be called"); return false, 0 },
		func() (bool, syscall.Errno) { return true, 0 },
	)
	if res != ResolvedRemote || errno != 0 {
		t.Fatalf("Fallback = %v, %v", res, errno)
	}
}

func TestFallbackBothFailRestoresENOENT(t *testing.T) {
	res, errno := Fallback("/tmp/x", true,
		func() (bool, syscall.Errno) { return false, syscall.ENOENT },
		func() (bool, syscall.Errno) { return false, syscall.ENOENT },
	)
	if res != ResolvedFailed || errno != syscall.ENOENT {
		t.Fatalf("Fallback = %v, %v", res, errno)
	}
}
