// Package shm contains the platform backends for shared memory regions.
//
// A Segment is an open kernel shared-memory object: a memfd for anonymous
// regions or a file under the shm filesystem for named ones. Segments know
// nothing about region state; pkg/shm layers the lifecycle on top.
package shm

// Segment is an open kernel shared-memory object.
type Segment struct {
	fd       int
	size     int64
	path     string
	readOnly bool
}

// CreateOptions defines how a segment is allocated.
type CreateOptions struct {
	// Path of the backing file. Empty allocates an anonymous segment.
	Path string
	// Label is the debug name given to anonymous segments.
	Label string
	Size  int64
	// ReadOnly seals the segment against writable mappings.
	ReadOnly bool
}

// Fd returns the native descriptor, -1 once released or closed.
func (s *Segment) Fd() int { return s.fd }

// Size returns the allocation length in bytes.
func (s *Segment) Size() int64 { return s.size }

// Path returns the backing path, empty for anonymous segments.
func (s *Segment) Path() string { return s.path }

// ReadOnly reports whether the segment refuses writable mappings.
func (s *Segment) ReadOnly() bool { return s.readOnly }

// Release hands the descriptor to the caller without closing it.
func (s *Segment) Release() int {
	fd := s.fd
	s.fd = -1
	return fd
}
