package elfdeps_test

import (
	"os"
	"testing"

	"github.com/crossdev/remotelink/internal/elfdeps"
)

func TestResolveWithNoSearchPaths(t *testing.T) {
	// With no search paths there is nothing to scan, so Resolve returns ""
	// even when every candidate would exist.
	if got := elfdeps.Resolve(nil, "libfoo.so", func(string) bool { return true }); got != "" {
		t.Fatalf("Resolve with no search paths = %q, want \"\"", got)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	seen := []string{}
	exists := func(path string) bool {
		seen = append(seen, path)
		return path == "/b/libfoo.so"
	}
	got := elfdeps.Resolve([]string{"/a", "/b", "/c"}, "libfoo.so", exists)
	if got != "/b/libfoo.so" {
		t.Fatalf("Resolve = %q, want /b/libfoo.so", got)
	}
	if len(seen) != 2 {
		t.Fatalf("Resolve checked %d candidates, want 2 (stop at first match)", len(seen))
	}
}

// findSystemELF locates a real dynamically-linked ELF binary on this
// machine to exercise Extract against actual DT_NEEDED/DT_RUNPATH
// data, rather than hand-rolling an ELF encoder the standard library
// doesn't provide.
func findSystemELF(t *testing.T) string {
	t.Helper()
	candidates := []string{"/bin/ls", "/usr/bin/ls", "/bin/sh", "/usr/bin/env"}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	t.Skip("no system ELF binary found to test against")
	return ""
}

func TestExtractAgainstRealBinary(t *testing.T) {
	path := findSystemELF(t)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	defer f.Close()

	deps, err := elfdeps.Extract(f)
	if err != nil {
		t.Fatalf("Extract(%s): %v", path, err)
	}

	for _, name := range deps.Needed {
		if name == "" {
			t.Fatalf("Extract returned an empty needed-library name")
		}
	}
}
