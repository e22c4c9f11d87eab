package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	internalshm "github.com/srediag/shmtransport/internal/shm"
)

// LocalHandle is a region's native handle in this process's namespace. It
// can only be obtained from a bound Region and is what a Target gives away.
type LocalHandle struct {
	fd       int
	length   int64
	readOnly bool
}

// Fd returns the native descriptor.
func (h LocalHandle) Fd() uintptr { return uintptr(h.fd) }

// Length returns the allocation length.
func (h LocalHandle) Length() int64 { return h.length }

// ReadOnly reports whether the region only admits read mappings.
func (h LocalHandle) ReadOnly() bool { return h.readOnly }

// IsValid reports whether h refers to a bound region.
func (h LocalHandle) IsValid() bool { return h.length > 0 && h.fd >= 0 }

// TransferredHandle is a handle value valid only in the Target process's
// namespace. It is bound with Region.Attach in that process and is never
// mapped by the process that produced it.
type TransferredHandle struct {
	Target   int
	Value    uint64
	Length   int64
	ReadOnly bool
}

// TransferredHandleSize is the encoded size of a TransferredHandle.
const TransferredHandleSize = 24

const handleReadOnly = 1

// MarshalBinary encodes h for a control channel message.
func (h TransferredHandle) MarshalBinary() ([]byte, error) {
	b := make([]byte, TransferredHandleSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(h.Target))
	var flags uint32
	if h.ReadOnly {
		flags |= handleReadOnly
	}
	binary.LittleEndian.PutUint32(b[4:], flags)
	binary.LittleEndian.PutUint64(b[8:], h.Value)
	binary.LittleEndian.PutUint64(b[16:], uint64(h.Length))
	return b, nil
}

// UnmarshalBinary decodes a value produced by MarshalBinary.
func (h *TransferredHandle) UnmarshalBinary(b []byte) error {
	if len(b) != TransferredHandleSize {
		return fmt.Errorf("transferred handle: want %d bytes, got %d", TransferredHandleSize, len(b))
	}
	h.Target = int(int32(binary.LittleEndian.Uint32(b[0:])))
	h.ReadOnly = binary.LittleEndian.Uint32(b[4:])&handleReadOnly != 0
	h.Value = binary.LittleEndian.Uint64(b[8:])
	h.Length = int64(binary.LittleEndian.Uint64(b[16:]))
	return nil
}

// Target is a process a region can be shared to. Give installs h in the
// target's handle table and returns the handle value there.
type Target interface {
	PID() int
	Give(ctx context.Context, h LocalHandle) (uint64, error)
}

// CurrentProcess returns the Target for the calling process.
func CurrentProcess() Target { return currentProcess{} }

type currentProcess struct{}

func (currentProcess) PID() int { return os.Getpid() }

func (currentProcess) Give(_ context.Context, h LocalHandle) (uint64, error) {
	fd, err := internalshm.Dup(h.fd)
	if err != nil {
		return 0, wrapOS("give", "", err, AllocationFailure)
	}
	return uint64(fd), nil
}
