// ABOUTME: Per-key mutex so each conversation has a single logical writer
// ABOUTME: Entries are reference counted and dropped when the last holder leaves

package conversation

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serialises work per key while letting different keys run in parallel.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyedEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{keys: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.keys[key]
	if !ok {
		e = &keyedEntry{}
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

// size reports how many keys are currently held or waited on.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
