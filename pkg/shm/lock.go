package shm

import (
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	internalshm "github.com/srediag/shmtransport/internal/shm"
)

// locker is the mutual exclusion primitive paired with a region.
type locker interface {
	lock() error
	unlock() error
	release() error
}

// anonymousLocks holds one mutex per anonymous allocation in this process,
// keyed by the allocation identity so every Region bound to the same memory
// contends on the same mutex.
var anonymousLocks = cmap.New[*lockEntry]()

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

type mutexLocker struct {
	key   string
	entry *lockEntry
	held  atomic.Bool
}

func acquireMutexLocker(key string) *mutexLocker {
	entry := anonymousLocks.Upsert(key, nil, func(exist bool, inMap, _ *lockEntry) *lockEntry {
		if !exist {
			inMap = &lockEntry{}
		}
		inMap.refs++
		return inMap
	})
	return &mutexLocker{key: key, entry: entry}
}

func (l *mutexLocker) lock() error {
	l.entry.mu.Lock()
	l.held.Store(true)
	return nil
}

func (l *mutexLocker) unlock() error {
	if l.held.CompareAndSwap(true, false) {
		l.entry.mu.Unlock()
	}
	return nil
}

func (l *mutexLocker) release() error {
	_ = l.unlock()
	anonymousLocks.RemoveCb(l.key, func(_ string, v *lockEntry, exists bool) bool {
		if !exists {
			return false
		}
		v.refs--
		return v.refs <= 0
	})
	return nil
}

// fileLocker serialises goroutines of this Region locally and other
// processes through flock on the paired lock file.
type fileLocker struct {
	local sync.Mutex
	file  *internalshm.FileLock
	held  atomic.Bool
}

func (l *fileLocker) lock() error {
	l.local.Lock()
	if err := l.file.Lock(); err != nil {
		l.local.Unlock()
		return err
	}
	l.held.Store(true)
	return nil
}

func (l *fileLocker) unlock() error {
	if !l.held.CompareAndSwap(true, false) {
		return nil
	}
	err := l.file.Unlock()
	l.local.Unlock()
	return err
}

func (l *fileLocker) release() error {
	err := l.unlock()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
