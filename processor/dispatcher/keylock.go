package dispatcher

import (
	"sync"

	"github.com/c360studio/propd/task"
)

// keyLock is a mutex per (facility, service) key. Entries are reference
// counted and dropped once nobody holds or waits for them. Not reentrant.
type keyLock struct {
	mu    sync.Mutex
	locks map[task.Key]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[task.Key]*keyLockEntry)}
}

// Lock blocks until the key is held and returns the matching unlock.
func (l *keyLock) Lock(k task.Key) func() {
	l.mu.Lock()
	e, ok := l.locks[k]
	if !ok {
		e = &keyLockEntry{}
		l.locks[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
