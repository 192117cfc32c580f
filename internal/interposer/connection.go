package interposer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/crossdev/remotelink/internal/fileclient"
)

// FileServerEnvVar names the environment variable carrying the Host
// file service endpoint; its absence disables remote resolution
// entirely, per §6.
const FileServerEnvVar = "REMOTELINK_FILE_SERVER"

// connectTimeout bounds the interposer's own connect to the file
// service, reusing the wire protocol's connect_timeout_secs default.
const connectTimeout = 10 * time.Second

// State is the process-wide singleton every interposed libc call
// consults: the remote connection (nil if disabled), the vfd table,
// the directory table, and the shared-library cache. It is constructed
// once at load time and released by Teardown; cmd/remotelink-preload
// installs no unload-time hook that calls Teardown.
type State struct {
	mu     sync.Mutex
	client *fileclient.Client

	VFDs  *vfdTable
	Dirs  *dirTable
	Cache *Cache
}

// NewState wires up the process-wide tables. If env names a file
// service endpoint, it dials it; a dial failure disables remote
// resolution rather than failing process startup, since a child that
// never touches a remote path should run unaffected.
func NewState(prefix string) (*State, error) {
	s := &State{
		VFDs: newVFDTable(),
		Dirs: newDirTable(),
	}

	cache, err := NewCache(prefix, os.Getpid())
	if err != nil {
		return nil, err
	}
	s.Cache = cache

	endpoint, ok := os.LookupEnv(FileServerEnvVar)
	if !ok || endpoint == "" {
		return s, nil
	}

	client, err := fileclient.Dial(context.Background(), endpoint, connectTimeout)
	if err == nil {
		s.client = client
	}
	return s, nil
}

// Client returns the file-service connection, or nil if remote
// resolution is disabled (no endpoint configured, or the initial dial
// failed).
func (s *State) Client() *fileclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Teardown closes the remote connection and removes the cache
// directory, both best-effort, per §4.5's destructor contract.
func (s *State) Teardown() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if s.Cache != nil {
		s.Cache.Teardown()
	}
}
