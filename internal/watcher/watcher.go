// Package watcher implements the Host-side "changed and stable"
// detector (C8): a plain stat-poll loop, not a filesystem-notification
// debouncer, since debouncing lives outside this module's scope.
package watcher

import (
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
)

// StabilityWindow is the minimum spacing between the three snapshots
// that must agree before a change is reported stable, per §4.8.
const StabilityWindow = 200 * time.Millisecond

// Result is the outcome of one CheckForStableChange call.
type Result int

const (
	NoChange Result = iota
	ChangedAndStable
)

func (r Result) String() string {
	switch r {
	case ChangedAndStable:
		return "changed-and-stable"
	default:
		return "no-change"
	}
}

type snapshot struct {
	size    int64
	mtime   time.Time
	takenAt time.Time
}

func (s snapshot) equalContent(o snapshot) bool {
	return s.size == o.size && s.mtime.Equal(o.mtime)
}

// Watcher polls a single path's size and mtime and reports
// changed-and-stable only once the file has stopped changing for at
// least three StabilityWindow-spaced observations since the last
// positive report, per §4.8's contract.
type Watcher struct {
	path  string
	clock timeutil.Clock

	history           []snapshot
	lastEmitted       *snapshot
	modifiedSinceEmit bool
}

// New constructs a Watcher over path using the real wall clock.
func New(path string) *Watcher {
	return NewWithClock(path, timeutil.RealClock())
}

// NewWithClock constructs a Watcher with an injectable clock, the way
// the teacher's caching layer takes one for deterministic tests.
func NewWithClock(path string, clock timeutil.Clock) *Watcher {
	return &Watcher{path: path, clock: clock}
}

// CheckForStableChange takes one snapshot and folds it into the
// stability window. Errors (e.g. the file vanished) are surfaced but
// do not corrupt internal state; the caller disables watching on
// error per §4.7.
func (w *Watcher) CheckForStableChange() (Result, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return NoChange, fmt.Errorf("watcher: stat %s: %w", w.path, err)
	}

	cur := snapshot{size: info.Size(), mtime: info.ModTime(), takenAt: w.clock.Now()}

	if len(w.history) == 0 {
		w.history = []snapshot{cur}
		return NoChange, nil
	}

	last := w.history[len(w.history)-1]
	if !last.equalContent(cur) {
		w.modifiedSinceEmit = true
		w.history = []snapshot{cur}
		return NoChange, nil
	}

	if cur.takenAt.Sub(last.takenAt) < StabilityWindow {
		return NoChange, nil
	}

	w.history = append(w.history, cur)
	if len(w.history) > 3 {
		w.history = w.history[len(w.history)-3:]
	}

	if len(w.history) < 3 {
		return NoChange, nil
	}

	differsFromLastEmit := w.lastEmitted == nil || !w.lastEmitted.equalContent(cur)
	if w.modifiedSinceEmit && differsFromLastEmit {
		emitted := cur
		w.lastEmitted = &emitted
		w.modifiedSinceEmit = false
		w.history = []snapshot{cur}
		return ChangedAndStable, nil
	}

	return NoChange, nil
}
