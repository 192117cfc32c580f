package wire

import (
	"errors"
	"io/fs"
	"syscall"
)

// Errno constants used in wire reply bodies, corresponding to kernel error
// numbers. These mirror the teacher's practice of re-exporting the errno
// constants a caller needs as package-level values.
const (
	ErrnoOK       int32 = 0
	ErrnoEIO      int32 = int32(syscall.EIO)
	ErrnoENOENT   int32 = int32(syscall.ENOENT)
	ErrnoEISDIR   int32 = int32(syscall.EISDIR)
	ErrnoENFILE   int32 = int32(syscall.ENFILE)
	ErrnoEBADF    int32 = int32(syscall.EBADF)
	ErrnoEINVAL   int32 = int32(syscall.EINVAL)
	ErrnoEMFILE   int32 = int32(syscall.EMFILE)
)

// ErrnoFromPathError maps a filesystem error from the standard library
// into the wire protocol's errno convention, per §4.3's error mapping
// table: canonicalization failure and missing/out-of-sandbox paths are
// ENOENT, opening a directory as a file is EISDIR, anything else is EIO.
func ErrnoFromPathError(err error) int32 {
	if err == nil {
		return ErrnoOK
	}
	if errors.Is(err, fs.ErrNotExist) {
		return ErrnoENOENT
	}
	var perr *fs.PathError
	if errors.As(err, &perr) {
		if errors.Is(perr.Err, syscall.EISDIR) {
			return ErrnoEISDIR
		}
		if errors.Is(perr.Err, syscall.ENOENT) {
			return ErrnoENOENT
		}
	}
	return ErrnoEIO
}
