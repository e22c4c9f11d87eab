//go:build !linux

package shm

import (
	"errors"
	"fmt"
)

var errPlatform = fmt.Errorf("shared memory backend: %w", errors.ErrUnsupported)

// Create is not available on this platform.
func Create(CreateOptions) (*Segment, error) { return nil, errPlatform }

// Open is not available on this platform.
func Open(string, bool) (*Segment, error) { return nil, errPlatform }

// FromDescriptor is not available on this platform.
func FromDescriptor(int, bool) (*Segment, error) { return nil, errPlatform }

// Map is not available on this platform.
func (s *Segment) Map(int, bool) ([]byte, error) { return nil, errPlatform }

// Unmap is a no-op on this platform.
func Unmap([]byte) error { return nil }

// Identity is not available on this platform.
func (s *Segment) Identity() (string, error) { return "", errPlatform }

// Close is a no-op on this platform.
func (s *Segment) Close() error {
	s.fd = -1
	return nil
}

// Dup is not available on this platform.
func Dup(int) (int, error) { return -1, errPlatform }

// CloseDescriptor is a no-op on this platform.
func CloseDescriptor(int) error { return nil }

// Remove is not available on this platform.
func Remove(string) error { return errPlatform }

// FileLock is not available on this platform.
type FileLock struct{}

// OpenFileLock is not available on this platform.
func OpenFileLock(string) (*FileLock, error) { return nil, errPlatform }

func (l *FileLock) Lock() error   { return errPlatform }
func (l *FileLock) Unlock() error { return errPlatform }
func (l *FileLock) Close() error  { return nil }
