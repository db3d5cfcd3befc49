package backend

import "sync"

// Locks hands out one RWMutex per collection name. An entry lives only while
// some caller holds or waits for it.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.RWMutex
	refs int
}

func (l *Locks) acquire(name string) *refLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[string]*refLock)
	}

	lock, ok := l.locks[name]
	if !ok {
		lock = new(refLock)
		l.locks[name] = lock
	}

	lock.refs++
	return lock
}

func (l *Locks) release(name string, lock *refLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, name)
	}
}

// Lock takes the write lock of name and returns its unlock function.
func (l *Locks) Lock(name string) (unlock func()) {
	lock := l.acquire(name)
	lock.Lock()

	return func() {
		lock.Unlock()
		l.release(name, lock)
	}
}

// RLock takes the read lock of name and returns its unlock function.
func (l *Locks) RLock(name string) (unlock func()) {
	lock := l.acquire(name)
	lock.RLock()

	return func() {
		lock.RUnlock()
		l.release(name, lock)
	}
}

// Len reports how many names currently have a lock entry.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
