package lock

import "sync"

// KeyedMutex provides independent mutexes addressed by string key so
// unrelated runtimes/environments can be provisioned concurrently.
// The zero value is not usable; call NewKeyed.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires the mutex for key and returns its unlock function.
// Entries are reference counted and removed when the last holder unlocks,
// so the map does not grow with the set of keys ever seen.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
