// Package elfdeps extracts the dynamic library dependencies the Host
// needs to pre-send before launching a binary remotely (C10): the
// DT_NEEDED list and the DT_RUNPATH/DT_RPATH search paths used to
// resolve it.
package elfdeps

import (
	"debug/elf"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
)

// systemPrefixes lists the standard-runtime libraries that are always
// assumed present on the Runner and therefore never pre-sent, per
// §4.10.
var systemPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^libc\.so`),
	regexp.MustCompile(`^libm\.so`),
	regexp.MustCompile(`^libpthread\.so`),
	regexp.MustCompile(`^libdl\.so`),
	regexp.MustCompile(`^librt\.so`),
	regexp.MustCompile(`^libgcc`),
	regexp.MustCompile(`^libstdc\+\+`),
	regexp.MustCompile(`^ld-linux`),
	regexp.MustCompile(`^libdrm\.so`),
	regexp.MustCompile(`^libevdev\.so`),
}

func isSystemLibrary(name string) bool {
	for _, re := range systemPrefixes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Dependencies holds the result of Extract: the non-system libraries a
// binary needs, and the paths on which the Host should look for them.
type Dependencies struct {
	Needed      []string
	SearchPaths []string
}

// Extract reads an ELF image and returns its filtered DT_NEEDED list
// and DT_RUNPATH (falling back to DT_RPATH) search paths, per §4.10.
func Extract(r io.ReaderAt) (Dependencies, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Dependencies{}, fmt.Errorf("elfdeps: parse ELF: %w", err)
	}
	defer f.Close()

	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return Dependencies{}, fmt.Errorf("elfdeps: read DT_NEEDED: %w", err)
	}

	runpath, err := f.DynString(elf.DT_RUNPATH)
	if err != nil {
		return Dependencies{}, fmt.Errorf("elfdeps: read DT_RUNPATH: %w", err)
	}
	var searchPaths []string
	if len(runpath) > 0 && runpath[0] != "" {
		searchPaths = strings.Split(runpath[0], ":")
	} else {
		rpath, err := f.DynString(elf.DT_RPATH)
		if err != nil {
			return Dependencies{}, fmt.Errorf("elfdeps: read DT_RPATH: %w", err)
		}
		if len(rpath) > 0 && rpath[0] != "" {
			searchPaths = strings.Split(rpath[0], ":")
		}
	}

	filtered := make([]string, 0, len(needed))
	for _, name := range needed {
		if !isSystemLibrary(name) {
			filtered = append(filtered, name)
		}
	}

	return Dependencies{Needed: filtered, SearchPaths: searchPaths}, nil
}

// Resolve scans searchPaths in order for name, returning the first
// existing "<dir>/<name>" path, or "" if none resolves — unresolved
// names are silently skipped, per §4.10, since they'll be found on the
// Runner from system paths or via the file interposer.
func Resolve(searchPaths []string, name string, exists func(path string) bool) string {
	for _, dir := range searchPaths {
		candidate := filepath.Join(dir, name)
		if exists(candidate) {
			return candidate
		}
	}
	return ""
}
