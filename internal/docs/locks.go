package docs

import (
	"sort"
	"sync"
)

// keyedMutex hands out one mutex per project name. Entries are dropped once
// nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the locks of all keys in sorted order and returns a function
// releasing them.
func (k *keyedMutex) Lock(keys ...string) func() {
	keys = append([]string(nil), keys...)
	sort.Strings(keys)

	held := make([]string, 0, len(keys))
	for i, key := range keys {
		if i > 0 && key == keys[i-1] {
			continue
		}
		k.mu.Lock()
		e, ok := k.locks[key]
		if !ok {
			e = &keyedEntry{}
			k.locks[key] = e
		}
		e.refs++
		k.mu.Unlock()

		e.mu.Lock()
		held = append(held, key)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.mu.Lock()
			e := k.locks[held[i]]
			e.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, held[i])
			}
			k.mu.Unlock()
		}
	}
}
