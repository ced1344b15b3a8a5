package saga

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLocker serializes message handling per saga id. Handlers for different
// sagas run fully in parallel; two handlers for the same saga never overlap.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: map[uuid.UUID]*lockEntry{}}
}

// lock blocks until the per-saga lock is held and returns the unlock func.
func (locker *keyedLocker) lock(id uuid.UUID) func() {
	locker.mu.Lock()

	entry, ok := locker.locks[id]
	if !ok {
		entry = &lockEntry{}
		locker.locks[id] = entry
	}

	entry.refs++
	locker.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		locker.mu.Lock()

		entry.refs--
		if entry.refs == 0 {
			delete(locker.locks, id)
		}

		locker.mu.Unlock()
	}
}
