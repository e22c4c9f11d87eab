//go:build linux

package shm

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

const (
	baseSeals     = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW
	readOnlySeals = baseSeals | unix.F_SEAL_WRITE
)

// Create allocates a new segment. Named segments are created exclusively;
// an existing path fails with an error matching fs.ErrExist.
func Create(opts CreateOptions) (*Segment, error) {
	if opts.Path == "" {
		return createAnonymous(opts)
	}
	return createNamed(opts)
}

func createAnonymous(opts CreateOptions) (*Segment, error) {
	fd, err := unix.MemfdCreate(opts.Label, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, opts.Size); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	seals := baseSeals
	if opts.ReadOnly {
		seals = readOnlySeals
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("add seals: %w", err)
	}
	return &Segment{fd: fd, size: opts.Size, readOnly: opts.ReadOnly}, nil
}

func createNamed(opts CreateOptions) (*Segment, error) {
	perm := uint32(0o600)
	if opts.ReadOnly {
		perm = 0o400
	}
	fd, err := unix.Open(opts.Path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	if err := unix.Ftruncate(fd, opts.Size); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(opts.Path)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	if !opts.ReadOnly {
		return &Segment{fd: fd, size: opts.Size, path: opts.Path}, nil
	}
	// the creating descriptor is writable, trade it for a read-only one
	rfd, err := unix.Open(opts.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	_ = unix.Close(fd)
	if err != nil {
		_ = unix.Unlink(opts.Path)
		return nil, fmt.Errorf("reopen %s: %w", opts.Path, err)
	}
	return &Segment{fd: rfd, size: opts.Size, path: opts.Path, readOnly: true}, nil
}

// Open binds an existing named segment.
func Open(path string, readOnly bool) (*Segment, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if readOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	// privileged callers bypass the permission bits, check them explicitly
	if !readOnly && st.Mode&0o222 == 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("open %s for writing: %w", path, fs.ErrPermission)
	}
	return &Segment{fd: fd, size: st.Size, path: path, readOnly: readOnly}, nil
}

// FromDescriptor binds a descriptor received from another process. The
// segment owns fd afterwards, including on error.
func FromDescriptor(fd int, readOnly bool) (*Segment, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		if errors.Is(err, unix.EBADF) {
			return nil, fmt.Errorf("descriptor %d: %w", fd, fs.ErrNotExist)
		}
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if !readOnly && !writable(fd) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("descriptor %d is read-only: %w", fd, fs.ErrPermission)
	}
	return &Segment{fd: fd, size: st.Size, readOnly: readOnly}, nil
}

// writable reports whether fd may back a writable shared mapping.
func writable(fd int) bool {
	fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil || fl&unix.O_ACCMODE == unix.O_RDONLY {
		return false
	}
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		// not a memfd, no seals to honour
		return true
	}
	return seals&unix.F_SEAL_WRITE == 0
}

// Map maps length bytes from the start of the segment.
func (s *Segment) Map(length int, write bool) ([]byte, error) {
	prot := unix.PROT_READ
	if write {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(s.fd, 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	err := unix.Munmap(mem)
	if errors.Is(err, unix.EINVAL) {
		// double unmap
		return nil
	}
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Identity returns a key shared by every descriptor of the same allocation.
func (s *Segment) Identity() (string, error) {
	var st unix.Stat_t
	if err := unix.Fstat(s.fd, &st); err != nil {
		return "", fmt.Errorf("fstat: %w", err)
	}
	return fmt.Sprintf("%d:%d", st.Dev, st.Ino), nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (s *Segment) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// Dup duplicates fd into a new close-on-exec descriptor.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return nfd, nil
}

// CloseDescriptor closes a raw descriptor that never became a Segment.
func CloseDescriptor(fd int) error {
	return unix.Close(fd)
}

// Remove unlinks a named segment or lock file.
func Remove(path string) error {
	if err := unix.Unlink(path); err != nil {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}
