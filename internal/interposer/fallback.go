package interposer

import (
	"strings"
	"syscall"
)

// HostPrefix is the distinguished path prefix that always routes
// remote, skipping the local attempt entirely, per §4.5.
const HostPrefix = "/host/"

// IsHostPath reports whether path uses the canonical remote-resolution
// trigger prefix.
func IsHostPath(path string) bool {
	return strings.HasPrefix(path, HostPrefix)
}

// Resolution describes which path an interposed call ultimately used.
type Resolution int

const (
	ResolvedLocal Resolution = iota
	ResolvedRemote
	ResolvedFailed
)

// Fallback implements §4.5's local-first policy for one path-taking
// call: try local first (unless path is /host/-prefixed), retry remote
// only on a local ENOENT, and if remote also fails restore the local
// failure's errno.
//
// tryLocal and tryRemote each report (success, errno); Fallback does
// not know what the call actually does, only how to sequence the two
// attempts and which outcome wins.
func Fallback(path string, remoteAvailable bool, tryLocal func() (ok bool, errno syscall.Errno), tryRemote func() (ok bool, errno syscall.Errno)) (Resolution, syscall.Errno) {
	if IsHostPath(path) {
		if !remoteAvailable {
			return ResolvedFailed, syscall.ENOENT
		}
		if ok, errno := tryRemote(); ok {
			return ResolvedRemote, 0
		} else {
			return ResolvedFailed, errno
		}
	}

	localOK, localErrno := tryLocal()
	if localOK {
		return ResolvedLocal, 0
	}
	if localErrno != syscall.ENOENT || !remoteAvailable {
		return ResolvedFailed, localErrno
	}

	if ok, _ := tryRemote(); ok {
		return ResolvedRemote, 0
	}
	return ResolvedFailed, syscall.ENOENT
}
