// Package fslock guards shared mutable files (handle index, trust configs)
// with an in-process per-path mutex plus a POSIX advisory flock, and provides
// the atomic write-through-temp helper all mutating writers use.
package fslock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	mu    sync.Mutex
	paths = map[string]*sync.Mutex{}
)

func pathMutex(path string) *sync.Mutex {
	mu.Lock()
	defer mu.Unlock()
	m, ok := paths[path]
	if !ok {
		m = &sync.Mutex{}
		paths[path] = m
	}
	return m
}

// WithLock runs fn while holding both the in-process mutex for path and an
// exclusive advisory flock on path's sidecar lock file. The lock file is
// separate from path so atomic renames of path do not drop the lock.
func WithLock(path string, fn func() error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	m := pathMutex(abs)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	lockPath := abs + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", lockPath, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	return fn()
}

// WriteFileAtomic writes data to path via a sibling temp file and rename so
// readers never observe a torn document.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
