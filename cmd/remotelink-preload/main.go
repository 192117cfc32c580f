// Command remotelink-preload builds the LD_PRELOAD shared library a
// Runner-spawned child loads to transparently redirect a subset of
// libc path/FD calls to the Host's file service. It is the cgo
// boundary onto internal/interposer's pure-Go tables: every exported
// symbol here resolves the real libc implementation once via
// dlsym(RTLD_NEXT, ...), caches it, and forwards to it whenever the
// local-first fallback (or the /host/ prefix) says the call isn't
// remote.
package main

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <errno.h>
#include <fcntl.h>
#include <stdarg.h>
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#include <sys/stat.h>
#include <sys/types.h>

typedef int (*open_fn)(const char *, int, ...);
typedef int (*close_fn)(int);
typedef ssize_t (*read_fn)(int, void *, size_t);
typedef off_t (*lseek_fn)(int, off_t, int);
typedef int (*access_fn)(const char *, int);
typedef void* (*opendir_fn)(const char *);
typedef int (*closedir_fn)(void *);
typedef int (*stat_fn)(const char *, struct stat *);
typedef int (*fstat_fn)(int, struct stat *);
typedef int (*fcntl_fn)(int, int, ...);
typedef FILE* (*fopen_fn)(const char *, const char *);
typedef void* (*dlopen_fn)(const char *, int);

static void *resolve_next(const char *name) {
    return dlsym(RTLD_NEXT, name);
}

static int call_open(open_fn fn, const char *path, int flags, mode_t mode) {
    return fn(path, flags, mode);
}

static int call_close(close_fn fn, int fd) {
    return fn(fd);
}

static ssize_t call_read(read_fn fn, int fd, void *buf, size_t count) {
    return fn(fd, buf, count);
}

static off_t call_lseek(lseek_fn fn, int fd, off_t offset, int whence) {
    return fn(fd, offset, whence);
}

static int call_access(access_fn fn, const char *path, int mode) {
    return fn(path, mode);
}

static void *call_opendir(opendir_fn fn, const char *path) {
    return fn(path);
}

static int call_closedir(closedir_fn fn, void *dir) {
    return fn(dir);
}

static int call_stat(stat_fn fn, const char *path, struct stat *buf) {
    return fn(path, buf);
}

static int call_fstat(fstat_fn fn, int fd, struct stat *buf) {
    return fn(fd, buf);
}

static void fill_stat(struct stat *buf, unsigned long long size, long long mtime, unsigned int mode) {
    memset(buf, 0, sizeof(*buf));
    buf->st_size = (off_t)size;
    buf->st_mtime = (time_t)mtime;
    buf->st_mode = (mode_t)mode;
}

static int call_fcntl(fcntl_fn fn, int fd, int cmd, long arg) {
    return fn(fd, cmd, arg);
}

static FILE *call_fopen(fopen_fn fn, const char *path, const char *mode) {
    return fn(path, mode);
}

static void *call_dlopen(dlopen_fn fn, const char *path, int flags) {
    return fn(path, flags);
}
*/
import "C"

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/crossdev/remotelink/internal/fileclient"
	"github.com/crossdev/remotelink/internal/interposer"
	"github.com/crossdev/remotelink/internal/wire"
)

const preloadPrefix = "remotelink"

var (
	state     *interposer.State
	stateOnce sync.Once
)

// getState lazily constructs the process-wide tables on first use,
// standing in for the runtime's load-time init hook (cgo's
// __attribute__((constructor)) equivalent is wired below in init()).
func getState() *interposer.State {
	stateOnce.Do(func() {
		s, err := interposer.NewState(preloadPrefix)
		if err != nil {
			fmt.Fprintln(os.Stderr, "remotelink-preload: init failed:", err)
			return
		}
		state = s
	})
	return state
}

func init() {
	getState()
}

// remotelink_preload_teardown closes the file-service connection and
// removes the cache directory. No load-time destructor is installed, so
// it runs only when something calls it explicitly.
//
//export remotelink_preload_teardown
func remotelink_preload_teardown() {
	if state != nil {
		state.Teardown()
	}
}

// symbolCache resolves and caches the original libc implementation of
// each name, per §4.5's "resolve once, cache, forward" contract.
type symbolCache struct {
	mu    sync.Mutex
	cache map[string]unsafe.Pointer
}

var symbols = &symbolCache{cache: make(map[string]unsafe.Pointer)}

func (s *symbolCache) get(name string) unsafe.Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[name]; ok {
		return p
	}
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	p := C.resolve_next(cName)
	s.cache[name] = p
	return p
}

func goPath(cpath *C.char) string {
	return C.GoString(cpath)
}

// remoteClient returns the shared file-service connection, or nil if
// remote resolution is disabled for this process.
func remoteClient() *fileclient.Client {
	st := getState()
	if st == nil {
		return nil
	}
	return st.Client()
}

//export open
func open(path *C.char, flags C.int, mode C.mode_t) C.int {
	p := goPath(path)
	fn := (C.open_fn)(symbols.get("open"))

	var localResult C.int
	res, errno := interposer.Fallback(p, remoteClient() != nil,
		func() (bool, syscall.Errno) {
			localResult = C.call_open(fn, path, flags, mode)
			if localResult < 0 {
				return false, syscall.Errno(*C.__errno_location())
			}
			return true, 0
		},
		func() (bool, syscall.Errno) {
			return remoteOpen(p)
		},
	)

	switch res {
	case interposer.ResolvedLocal:
		return localResult
	case interposer.ResolvedRemote:
		return C.int(lastOpenedVFD)
	default:
		setErrno(errno)
		return -1
	}
}

//export openat
func openat(dirfd C.int, path *C.char, flags C.int, mode C.mode_t) C.int {
	// openat with a relative path and AT_FDCWD behaves like open for the
	// paths this interposer cares about (absolute or /host/-prefixed);
	// anything else is forwarded untouched.
	p := goPath(path)
	if !interposer.IsHostPath(p) && len(p) > 0 && p[0] != '/' {
		fn := (C.open_fn)(symbols.get("openat"))
		return C.call_open(fn, path, flags, mode)
	}
	return open(path, flags, mode)
}

// lastOpenedVFD is a scratch slot bridging remoteOpen's allocation back
// to open's return value; guarded implicitly by the fact that
// Fallback's tryRemote and the caller run sequentially on one goroutine
// per call.
var lastOpenedVFD int

func remoteOpen(path string) (bool, syscall.Errno) {
	client := remoteClient()
	if client == nil {
		return false, syscall.ENOENT
	}
	st := getState()

	remotePath := path
	if interposer.IsHostPath(path) {
		remotePath = path[len(interposer.HostPrefix):]
	}

	if interposer.IsSharedLibrary(path) {
		local, err := st.Cache.Resolve(client, remotePath)
		if err != nil {
			return false, syscall.ENOENT
		}
		fn := (C.open_fn)(symbols.get("open"))
		cLocal := C.CString(local)
		defer C.free(unsafe.Pointer(cLocal))
		fd := C.call_open(fn, cLocal, C.O_RDONLY, 0)
		if fd < 0 {
			return false, syscall.ENOENT
		}
		lastOpenedVFD = int(fd)
		return true, 0
	}

	handle, size, errno, err := client.Open(remotePath)
	if err != nil || errno != 0 {
		return false, syscall.ENOENT
	}
	vfd, ok := st.VFDs.Allocate(&interposer.VFD{Handle: handle, Size: size})
	if !ok {
		return false, syscall.ENFILE
	}
	lastOpenedVFD = vfd
	return true, 0
}

//export close
func close(fd C.int) C.int {
	st := getState()
	if st != nil && interposer.IsVirtual(int(fd)) {
		v, ok := st.VFDs.Release(int(fd))
		if !ok {
			setErrno(syscall.EBADF)
			return -1
		}
		if client := remoteClient(); client != nil {
			client.CloseHandle(v.Handle)
		}
		return 0
	}
	fn := (C.close_fn)(symbols.get("close"))
	return C.call_close(fn, fd)
}

//export read
func read(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	st := getState()
	if st != nil && interposer.IsVirtual(int(fd)) {
		v, ok := st.VFDs.Get(int(fd))
		if !ok {
			setErrno(syscall.EBADF)
			return -1
		}
		client := remoteClient()
		if client == nil {
			setErrno(syscall.EIO)
			return -1
		}
		size := uint32(count)
		const maxRead = 4 * 1024 * 1024
		if size > maxRead {
			size = maxRead
		}
		data, errno, err := client.Read(v.Handle, v.Offset, size)
		if err != nil || errno != 0 {
			setErrno(syscall.EIO)
			return -1
		}
		if len(data) > 0 {
			C.memcpy(buf, unsafe.Pointer(&data[0]), C.size_t(len(data)))
		}
		v.Offset += uint64(len(data))
		return C.ssize_t(len(data))
	}

	fn := (C.read_fn)(symbols.get("read"))
	return C.call_read(fn, fd, buf, count)
}

//export lseek
func lseek(fd C.int, offset C.off_t, whence C.int) C.off_t {
	st := getState()
	if st != nil && interposer.IsVirtual(int(fd)) {
		v, ok := st.VFDs.Get(int(fd))
		if !ok {
			setErrno(syscall.EBADF)
			return -1
		}
		newOffset, ok := interposer.Seek(v, int64(offset), int(whence))
		if !ok {
			setErrno(syscall.EINVAL)
			return -1
		}
		v.Offset = newOffset
		return C.off_t(newOffset)
	}

	fn := (C.lseek_fn)(symbols.get("lseek"))
	return C.call_lseek(fn, fd, offset, whence)
}

//export access
func access(path *C.char, mode C.int) C.int {
	p := goPath(path)
	fn := (C.access_fn)(symbols.get("access"))

	res, errno := interposer.Fallback(p, remoteClient() != nil,
		func() (bool, syscall.Errno) {
			if C.call_access(fn, path, mode) == 0 {
				return true, 0
			}
			return false, syscall.Errno(*C.__errno_location())
		},
		func() (bool, syscall.Errno) {
			client := remoteClient()
			if client == nil {
				return false, syscall.ENOENT
			}
			remotePath := p
			if interposer.IsHostPath(p) {
				remotePath = p[len(interposer.HostPrefix):]
			}
			_, _, _, errno, err := client.Stat(remotePath)
			if err != nil || errno != 0 {
				return false, syscall.ENOENT
			}
			return true, 0
		},
	)

	if res == interposer.ResolvedFailed {
		setErrno(errno)
		return -1
	}
	return 0
}

//export faccessat
func faccessat(dirfd C.int, path *C.char, mode C.int, flags C.int) C.int {
	return access(path, mode)
}

//export opendir
func opendir(path *C.char) unsafe.Pointer {
	p := goPath(path)
	client := remoteClient()
	if client == nil || !shouldTryRemoteDir(p) {
		fn := (C.opendir_fn)(symbols.get("opendir"))
		return C.call_opendir(fn, path)
	}

	remotePath := p
	if interposer.IsHostPath(p) {
		remotePath = p[len(interposer.HostPrefix):]
	}
	entries, errno, err := client.Readdir(remotePath)
	if err != nil || errno != 0 {
		setErrno(syscall.ENOENT)
		return nil
	}

	st := getState()
	handle := st.Dirs.Open(&interposer.DirStream{Entries: entries})
	return unsafe.Pointer(handle)
}

func shouldTryRemoteDir(path string) bool {
	return interposer.IsHostPath(path)
}

//export remotelink_readdir_name
func remotelink_readdir_name(dirHandle unsafe.Pointer) *C.char {
	st := getState()
	if st == nil {
		return nil
	}
	d, ok := st.Dirs.Get(uintptr(dirHandle))
	if !ok {
		return nil
	}
	entry, ok := d.Next()
	if !ok {
		return nil
	}
	return C.CString(entry.Name)
}

//export closedir
func closedir(dir unsafe.Pointer) C.int {
	st := getState()
	if st != nil {
		if ok := st.Dirs.Close(uintptr(dir)); ok {
			return 0
		}
	}
	fn := (C.closedir_fn)(symbols.get("closedir"))
	return C.call_closedir(fn, dir)
}

//export stat
func stat(path *C.char, buf *C.struct_stat) C.int {
	p := goPath(path)
	fn := (C.stat_fn)(symbols.get("stat"))

	res, errno := interposer.Fallback(p, remoteClient() != nil,
		func() (bool, syscall.Errno) {
			if C.call_stat(fn, path, buf) == 0 {
				return true, 0
			}
			return false, syscall.Errno(*C.__errno_location())
		},
		func() (bool, syscall.Errno) {
			return remoteStat(p, buf)
		},
	)

	if res == interposer.ResolvedFailed {
		setErrno(errno)
		return -1
	}
	return 0
}

//export fstat
func fstat(fd C.int, buf *C.struct_stat) C.int {
	st := getState()
	if st != nil && interposer.IsVirtual(int(fd)) {
		v, ok := st.VFDs.Get(int(fd))
		if !ok {
			setErrno(syscall.EBADF)
			return -1
		}
		C.fill_stat(buf, C.ulonglong(v.Size), 0, C.uint(0o100000|0o644))
		return 0
	}
	fn := (C.fstat_fn)(symbols.get("fstat"))
	return C.call_fstat(fn, fd, buf)
}

func remoteStat(path string, buf *C.struct_stat) (bool, syscall.Errno) {
	client := remoteClient()
	if client == nil {
		return false, syscall.ENOENT
	}
	remotePath := path
	if interposer.IsHostPath(path) {
		remotePath = path[len(interposer.HostPrefix):]
	}
	size, mtime, isDir, errno, err := client.Stat(remotePath)
	if err != nil || errno != 0 {
		return false, syscall.ENOENT
	}
	s := interposer.StatFromReply(wire.FileStatReply{Size: size, Mtime: mtime, IsDir: isDir})
	C.fill_stat(buf, C.ulonglong(s.Size), C.longlong(s.Mtime), C.uint(s.Mode))
	return true, 0
}

//export fcntl
func fcntl(fd C.int, cmd C.int, arg C.long) C.int {
	// Virtual FDs answer only the flag/descriptor-flag queries a typical
	// runtime issues right after open; any other command on a virtual FD
	// fails with EINVAL. Real FDs are forwarded untouched.
	if interposer.IsVirtual(int(fd)) {
		switch cmd {
		case C.F_GETFL:
			return C.O_RDONLY
		case C.F_SETFL, C.F_GETFD, C.F_SETFD:
			return 0
		default:
			setErrno(syscall.EINVAL)
			return -1
		}
	}
	fn := (C.fcntl_fn)(symbols.get("fcntl"))
	return C.call_fcntl(fn, fd, cmd, arg)
}

// fopen decides local vs. remote once, at open time; the FILE* it
// returns is always a plain libc stream over a local file.
//
//export fopen
func fopen(path *C.char, mode *C.char) *C.FILE {
	p := goPath(path)
	if !interposer.IsHostPath(p) {
		fn := (C.fopen_fn)(symbols.get("fopen"))
		return C.call_fopen(fn, path, mode)
	}

	// Only /host/-prefixed paths are routed remote; every other path goes
	// straight to the real fopen, with no local-first fallback. The remote
	// file is downloaded whole into the shared-library cache directory and
	// libc gets a FILE* backed by that local copy; reads are not streamed
	// from the Host.
	client := remoteClient()
	if client == nil {
		setErrno(syscall.ENOENT)
		return nil
	}
	st := getState()
	local, err := st.Cache.Resolve(client, p[len(interposer.HostPrefix):])
	if err != nil {
		setErrno(syscall.ENOENT)
		return nil
	}
	cLocal := C.CString(local)
	defer C.free(unsafe.Pointer(cLocal))
	fn := (C.fopen_fn)(symbols.get("fopen"))
	return C.call_fopen(fn, cLocal, mode)
}

//export dlopen
func dlopen(path *C.char, flags C.int) unsafe.Pointer {
	p := goPath(path)
	if p == "" || !interposer.IsSharedLibrary(p) {
		fn := (C.dlopen_fn)(symbols.get("dlopen"))
		return C.call_dlopen(fn, path, flags)
	}

	client := remoteClient()
	if client == nil {
		fn := (C.dlopen_fn)(symbols.get("dlopen"))
		return C.call_dlopen(fn, path, flags)
	}

	st := getState()
	remotePath := p
	if interposer.IsHostPath(p) {
		remotePath = p[len(interposer.HostPrefix):]
	}
	local, err := st.Cache.Resolve(client, remotePath)
	if err != nil {
		// Fall through to the real dlopen so the dynamic linker's own
		// search path gets a chance (e.g. a system library that merely
		// looked like a versioned .so by name).
		fn := (C.dlopen_fn)(symbols.get("dlopen"))
		return C.call_dlopen(fn, path, flags)
	}

	cLocal := C.CString(local)
	defer C.free(unsafe.Pointer(cLocal))
	fn := (C.dlopen_fn)(symbols.get("dlopen"))
	return C.call_dlopen(fn, cLocal, flags)
}

func setErrno(e syscall.Errno) {
	*C.__errno_location() = C.int(e)
}

func main() {}
