// Package fileserver implements the Host-side sandboxed, read-only file
// service (C3): a bounded handle table serving Open/Read/Close/Stat/
// Readdir requests over the framed wire protocol.
package fileserver

import (
	"os"

	"github.com/jacobsa/syncutil"
)

// MaxOpenFiles caps the number of simultaneously open handles per file
// service instance.
const MaxOpenFiles = 256

// MaxReadSize is the largest byte count a single FileReadRequest may ask
// for.
const MaxReadSize = 4 * 1024 * 1024

// openFile tracks one handle's backing *os.File plus its canonical path
// and cached size, exactly as recorded at Open time.
type openFile struct {
	file *os.File
	path string
	size uint64
}

// handleTable is the per-file-service state shared across all inbound
// connections: a monotonically increasing, zero-skipping handle
// allocator guarded by an invariant mutex, the way memFS guards its
// inode table in the teacher's samples.
//
// INVARIANT: no key in open is 0.
// INVARIANT: len(open) <= MaxOpenFiles.
type handleTable struct {
	mu       syncutil.InvariantMutex
	next     uint32 // GUARDED_BY(mu)
	open     map[uint32]*openFile // GUARDED_BY(mu)
}

func newHandleTable() *handleTable {
	t := &handleTable{
		next: 1,
		open: make(map[uint32]*openFile),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *handleTable) checkInvariants() {
	if _, ok := t.open[0]; ok {
		panic("handleTable: handle 0 must never be allocated")
	}
	if len(t.open) > MaxOpenFiles {
		panic("handleTable: exceeded MaxOpenFiles")
	}
}

// allocate stores f under a freshly minted handle, or reports false if the
// table is at capacity.
func (t *handleTable) allocate(f *openFile) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) >= MaxOpenFiles {
		return 0, false
	}

	h := t.next
	t.next++
	if t.next == 0 {
		t.next = 1
	}
	t.open[h] = f
	return h, true
}

func (t *handleTable) get(h uint32) (*openFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.open[h]
	return f, ok
}

// release removes h from the table and returns the file it pointed to so
// the caller can close it; the second result is false for an unknown
// handle.
func (t *handleTable) release(h uint32) (*openFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.open[h]
	if ok {
		delete(t.open, h)
	}
	return f, ok
}
