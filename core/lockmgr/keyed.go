package lockmgr

import "sync"

type keyedEntry struct {
	mu       sync.Mutex
	refCount int
}

// keyedMutex serializes work per key. Entries are dropped as soon as no
// goroutine holds or waits on them. Not reentrant.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refCount++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refCount--
		if entry.refCount <= 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
