// Package lock provides the single-instance file lock for the daemon.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FileLock is an advisory flock-based lock holding the daemon's PID. Two
// custodian daemons over the same data directory would race every conditional
// update's surrounding loops, so startup refuses to proceed without it.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a lock on path. The lock is not acquired until TryLock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock without blocking and records the PID. Fails when
// another process holds it.
func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another custodian may be running): %w", err)
	}

	if err := fl.writePID(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

func (fl *FileLock) writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Unlock releases the lock and removes the file. Safe to call when not held.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
