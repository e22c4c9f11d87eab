package shm

import (
	"sync/atomic"
	"unsafe"
)

// Helpers for words living inside a shared mapping. addr must be naturally
// aligned for the access width.

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicAddUint32 adds delta to a uint32 in shared memory and returns the new value.
func AtomicAddUint32(addr unsafe.Pointer, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(addr), delta)
}
