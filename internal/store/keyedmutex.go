package store

import "sync"

// keyedMutex serializes work per key so two documents carrying the same
// (sender, invoice number) pair cannot finalize concurrently. Entries are
// reference counted and removed once the last holder unlocks, so the map
// does not grow with the key space.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{keys: map[string]*keyEntry{}}
}

// Lock acquires the mutex for key and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &keyEntry{}
		k.keys[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.keys, key)
		}
		k.mu.Unlock()
	}
}
