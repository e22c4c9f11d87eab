//go:build unix && !linux

package transport

import (
	"errors"
	"fmt"
)

func peerPID(int) (int, error) {
	return 0, fmt.Errorf("peer credentials: %w", errors.ErrUnsupported)
}
