package fileserver

import (
	"path/filepath"
	"strings"

	"github.com/crossdev/remotelink/internal/wire"
)

// resolve validates relPath against base per §4.3: reject any path
// containing "..", resolve against base, canonicalize (resolving
// symlinks), and verify the canonical result is a prefix-descendant of
// the canonical base. Canonicalization failure and out-of-sandbox paths
// both map to ENOENT by the caller.
func resolve(base, relPath string) (string, error) {
	if strings.Contains(relPath, "..") {
		return "", errPathTraversal
	}

	full := filepath.Join(base, relPath)

	canonical, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(base, canonical)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errPathEscape
	}

	return canonical, nil
}

var (
	errPathTraversal = wireErr("fileserver: path contains '..'")
	errPathEscape    = wireErr("fileserver: path escapes base directory")
)

type wireErr string

func (e wireErr) Error() string { return string(e) }

// errnoForResolve maps a resolve() failure onto the wire errno
// convention: both traversal and escape map to ENOENT per §4.3, matching
// "canonicalization failure, out-of-sandbox paths, and missing files all
// map to ENOENT."
func errnoForResolve(err error) int32 {
	if err == nil {
		return wire.ErrnoOK
	}
	return wire.ErrnoENOENT
}
