// Package interposer holds the process-wide, mutex-guarded state a
// dynamic-linker interposer needs: a virtual-FD table addressing remote
// file handles, a directory-stream table, a shared-library cache, and
// the local-first fallback decision. cmd/remotelink-preload links this
// package into a cgo c-shared object and wires its libc-facing exports
// to these tables; everything here is pure Go and independently
// testable without a real LD_PRELOAD load.
package interposer

import (
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/crossdev/remotelink/internal/wire"
)

// VFDBase is the first virtual FD handed out. Per §4.5, virtual FDs
// occupy a numeric range disjoint from any FD the kernel could return.
const VFDBase = 10000

// MaxVFDs caps simultaneously open virtual FDs per process.
const MaxVFDs = 256

// VFD tracks one open remote file: its Host-side handle, the local
// read cursor, and the cached size used for seek arithmetic.
type VFD struct {
	Handle uint32
	Offset uint64
	Size   uint64
}

// vfdTable is the process-wide vfd -> VFD map, guarded the way the
// teacher guards memFS's inode table.
//
// INVARIANT: every key is >= VFDBase.
// INVARIANT: len(open) <= MaxVFDs.
type vfdTable struct {
	mu   syncutil.InvariantMutex
	next int // GUARDED_BY(mu)
	open map[int]*VFD // GUARDED_BY(mu)
}

func newVFDTable() *vfdTable {
	t := &vfdTable{next: VFDBase, open: make(map[int]*VFD)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *vfdTable) checkInvariants() {
	for vfd := range t.open {
		if vfd < VFDBase {
			panic(fmt.Sprintf("interposer: vfd %d below VFDBase", vfd))
		}
	}
	if len(t.open) > MaxVFDs {
		panic("interposer: exceeded MaxVFDs")
	}
}

// Allocate stores v under a freshly minted vfd, or reports false if the
// table is at capacity.
func (t *vfdTable) Allocate(v *VFD) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) >= MaxVFDs {
		return 0, false
	}

	vfd := t.next
	t.next++
	t.open[vfd] = v
	return vfd, true
}

// Get returns the VFD for vfd, or false if it is not currently open.
func (t *vfdTable) Get(vfd int) (*VFD, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.open[vfd]
	return v, ok
}

// Release removes vfd from the table.
func (t *vfdTable) Release(vfd int) (*VFD, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.open[vfd]
	if ok {
		delete(t.open, vfd)
	}
	return v, ok
}

// IsVirtual reports whether fd falls in the virtual FD region. A real
// libc call must never be issued against such an fd.
func IsVirtual(fd int) bool { return fd >= VFDBase }

// Whence values for Seek, matching the libc SEEK_* constants an
// interposed lseek would receive.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Seek computes the new offset for a virtual FD per §4.5's seek
// semantics: purely local arithmetic against the cached size, with
// EINVAL (reported via ok=false) on negative results, underflow, or an
// unrecognized whence.
func Seek(v *VFD, offset int64, whence int) (newOffset uint64, ok bool) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(v.Offset)
	case SeekEnd:
		base = int64(v.Size)
	default:
		return 0, false
	}

	result := base + offset
	if result < 0 {
		return 0, false
	}
	return uint64(result), true
}

// statMode synthesizes the mode bits §4.5's fstat/stat describe:
// S_IFDIR|0o755 for directories, S_IFREG|0o644 otherwise.
func statMode(isDir bool) uint32 {
	const (
		sIFDIR = 0o040000
		sIFREG = 0o100000
	)
	if isDir {
		return sIFDIR | 0o755
	}
	return sIFREG | 0o644
}

// Stat is the synthesized stat buffer described in §4.5: size, mtime,
// and a derived mode. Other fields are left zero by the caller.
type Stat struct {
	Size  uint64
	Mtime int64
	Mode  uint32
}

// StatFromReply builds a Stat from a FileStatReply.
func StatFromReply(r wire.FileStatReply) Stat {
	return Stat{Size: r.Size, Mtime: r.Mtime, Mode: statMode(r.IsDir)}
}
