package storage

import "sync"

// KeyedLocks serializes writes per key (user + resource class, or user +
// stream for single-activity enforcement). Entries are reference-counted and
// removed when the last holder releases, so the map does not grow with the
// user population.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocks creates an empty lock registry.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key and returns the release function.
func (k *KeyedLocks) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// StreamKey builds the lock key for single-activity enforcement on one
// stream of one user.
func StreamKey(userID, streamID string) string {
	return userID + "\x00stream\x00" + streamID
}

// ResourceKey builds the lock key for per-user writes on one resource class
// ("events", "streams", "accesses", "account").
func ResourceKey(userID, class string) string {
	return userID + "\x00" + class
}
