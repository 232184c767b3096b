package relay

import "sync"

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex serializes work per record ID. Entries are dropped once nobody holds
// or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) acquire(id string) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++

	return l
}

func (k *keyedMutex) release(id string, l *refMutex) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

// Lock blocks until id is held and returns the matching unlock func.
func (k *keyedMutex) Lock(id string) func() {
	l := k.acquire(id)
	l.Lock()

	return func() {
		l.Unlock()
		k.release(id, l)
	}
}

// TryLock holds id only if nobody else does.
func (k *keyedMutex) TryLock(id string) (func(), bool) {
	l := k.acquire(id)
	if !l.TryLock() {
		k.release(id, l)
		return nil, false
	}

	return func() {
		l.Unlock()
		k.release(id, l)
	}, true
}
