package interposer

import (
	"github.com/jacobsa/syncutil"

	"github.com/crossdev/remotelink/internal/wire"
)

// DirStream is a pseudo-DIR*: the pre-populated entry list and a
// cursor, exactly the shape §4.5 describes for opendir/readdir.
type DirStream struct {
	Entries []wire.DirEntry
	Cursor  int
}

// Next returns the next entry and advances the cursor, or reports ok
// == false once the stream is exhausted (readdir's EOF signal).
func (d *DirStream) Next() (wire.DirEntry, bool) {
	if d.Cursor >= len(d.Entries) {
		return wire.DirEntry{}, false
	}
	e := d.Entries[d.Cursor]
	d.Cursor++
	return e, true
}

// dirTable hands out opaque handles for open DirStreams, the
// process-wide "DIR map" §5 calls out as interposer shared state.
type dirTable struct {
	mu   syncutil.InvariantMutex
	next uintptr // GUARDED_BY(mu)
	open map[uintptr]*DirStream // GUARDED_BY(mu)
}

func newDirTable() *dirTable {
	t := &dirTable{next: 1, open: make(map[uintptr]*DirStream)}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *dirTable) checkInvariants() {
	if _, ok := t.open[0]; ok {
		panic("interposer: DIR handle 0 must never be allocated")
	}
}

// Open registers d under a freshly minted handle.
func (t *dirTable) Open(d *DirStream) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.next
	t.next++
	t.open[h] = d
	return h
}

// Get returns the DirStream for handle h.
func (t *dirTable) Get(h uintptr) (*DirStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.open[h]
	return d, ok
}

// Close removes h from the table, freeing the pseudo-DIR.
func (t *dirTable) Close(h uintptr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[h]
	delete(t.open, h)
	return ok
}
