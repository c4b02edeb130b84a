package ledger

import (
	"slices"
	"sync"
)

// userLocks serializes operations per user. Entries are reference counted
// and dropped when the last holder unlocks, so the map only holds users with
// an operation in flight.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// Lock acquires the locks for every id, always in sorted order so two calls
// over overlapping users cannot deadlock. It returns the matching unlock.
func (l *userLocks) Lock(ids ...string) (unlock func()) {
	keys := slices.Clone(ids)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]*userLock, 0, len(keys))
	for _, id := range keys {
		l.mu.Lock()
		ul, ok := l.locks[id]
		if !ok {
			ul = &userLock{}
			l.locks[id] = ul
		}
		ul.refs++
		l.mu.Unlock()

		ul.mu.Lock()
		held = append(held, ul)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, id := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, id)
			}
		}
		l.mu.Unlock()
	}
}
