package interposer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/crossdev/remotelink/internal/fileclient"
)

// sharedLibraryPattern matches "...so" or "...so.1", "...so.1.2.3" —
// §4.5's "ends with .so OR matches …\.so(\.<digits>)+".
var sharedLibraryPattern = regexp.MustCompile(`\.so(\.\d+)*$`)

// IsSharedLibrary reports whether path must go through the download-
// then-open cache path rather than receive a virtual FD, because the
// dynamic linker will later mmap it directly.
func IsSharedLibrary(path string) bool {
	return sharedLibraryPattern.MatchString(path)
}

// cacheEntry records one downloaded shared library: its local cache
// path and the remote path it came from. Per §3, an entry once written
// is never rewritten.
type cacheEntry struct {
	CachePath    string
	RemotePath   string
}

// Cache downloads shared libraries into a per-process temp directory
// and serves subsequent requests for the same remote path from the
// already-written copy.
type Cache struct {
	dir string

	mu      sync.Mutex
	entries map[string]*cacheEntry // keyed by RemotePath
}

// NewCache creates the cache directory "<tmp>/<prefix>-cache-<pid>/"
// per §5's persisted-state convention.
func NewCache(prefix string, pid int) (*Cache, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("%s-cache-%d", prefix, pid))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("interposer: create cache dir: %w", err)
	}
	return &Cache{dir: dir, entries: make(map[string]*cacheEntry)}, nil
}

// Resolve returns the local path of remotePath's cached copy,
// downloading it via client first if this is the first request for it.
func (c *Cache) Resolve(client *fileclient.Client, remotePath string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[remotePath]; ok {
		c.mu.Unlock()
		return e.CachePath, nil
	}
	c.mu.Unlock()

	local, err := c.download(client, remotePath)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[remotePath]; ok {
		// Lost a race with a concurrent downloader; keep the entry that
		// won, per "once written, never rewritten".
		return e.CachePath, nil
	}
	c.entries[remotePath] = &cacheEntry{CachePath: local, RemotePath: remotePath}
	return local, nil
}

func (c *Cache) download(client *fileclient.Client, remotePath string) (string, error) {
	handle, size, errno, err := client.Open(remotePath)
	if err != nil {
		return "", err
	}
	if errno != 0 {
		return "", fmt.Errorf("interposer: open %s remotely: errno %d", remotePath, errno)
	}
	defer client.CloseHandle(handle)

	local := filepath.Join(c.dir, filepath.Base(remotePath))
	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("interposer: create cache file: %w", err)
	}
	defer f.Close()

	var offset uint64
	for offset < size {
		chunk := size - offset
		if chunk > 4*1024*1024 {
			chunk = 4 * 1024 * 1024
		}
		data, errno, err := client.Read(handle, offset, uint32(chunk))
		if err != nil {
			return "", err
		}
		if errno != 0 {
			return "", fmt.Errorf("interposer: read %s remotely: errno %d", remotePath, errno)
		}
		if len(data) == 0 {
			break
		}
		if _, err := f.Write(data); err != nil {
			return "", fmt.Errorf("interposer: write cache file: %w", err)
		}
		offset += uint64(len(data))
	}

	return local, nil
}

// Teardown best-effort removes the entire cache directory, per §4.5's
// destructor contract.
func (c *Cache) Teardown() error {
	return os.RemoveAll(c.dir)
}
