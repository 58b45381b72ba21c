package sales

import (
	"sort"
	"sync"
)

// keyedMutex hands out one mutex per key. Entries are reference counted
// and dropped when the last holder unlocks, so the map only holds
// products currently being sold.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires every key in sorted order and returns the matching unlock.
// Duplicates are locked once.
func (k *keyedMutex) Lock(keys ...string) (unlock func()) {
	sorted := dedupSorted(keys)
	held := make([]*keyEntry, 0, len(sorted))
	for _, key := range sorted {
		e := k.acquire(key)
		e.mu.Lock()
		held = append(held, e)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.release(sorted[i])
		}
	}
}

func (k *keyedMutex) acquire(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func dedupSorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, key := range out {
		if i == 0 || key != out[n-1] {
			out[n] = key
			n++
		}
	}
	return out[:n]
}
