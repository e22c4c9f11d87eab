//go:build !linux

package timestamp

import "time"

var hiresBase = time.Now()

// the runtime monotonic clock stands in for CLOCK_MONOTONIC_RAW
func hiresNow() (uint64, bool) {
	return uint64(time.Since(hiresBase)) + 1, true
}

func hiresResolution() int64 { return 1 }
