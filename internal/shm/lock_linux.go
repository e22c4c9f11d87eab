//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// FileLock is an exclusive advisory lock on a file, shared across processes.
type FileLock struct {
	fd int
}

// OpenFileLock opens (creating if needed) the lock file at path.
func OpenFileLock(path string) (*FileLock, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return &FileLock{fd: fd}, nil
}

// Lock blocks until the lock is held.
func (l *FileLock) Lock() error {
	for {
		err := unix.Flock(l.fd, unix.LOCK_EX)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("flock: %w", err)
		}
		return nil
	}
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}
	return nil
}

// Close releases the descriptor, dropping the lock if held.
func (l *FileLock) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}
