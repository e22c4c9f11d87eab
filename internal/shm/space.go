package shm

import (
	"fmt"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"
)

// CheckSpace fails with ENOSPC when dir cannot hold size more bytes while
// keeping reserve bytes free. A dir that cannot be inspected is not an error;
// the allocation itself will report the real failure.
func CheckSpace(dir string, size int64, reserve uint64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		return nil
	}
	if usage.Free < uint64(size)+reserve {
		return fmt.Errorf("%s has %d bytes free, need %d: %w", dir, usage.Free, uint64(size)+reserve, syscall.ENOSPC)
	}
	return nil
}
