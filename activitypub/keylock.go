package activitypub

import "sync"

// KeyLocks serializes work per string key. Repost processing locks on the
// origin URL, follow lifecycle transitions lock on the follow activity URI;
// work on distinct keys proceeds in parallel. One registry per concern is
// shared across the inbox processor, the repost engine, and the follow
// directory so API calls and inbound activities touching the same key never
// interleave.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{
		locks: make(map[string]*keyLockEntry),
	}
}

func (kl *KeyLocks) Lock(key string) {
	kl.mu.Lock()
	entry, exists := kl.locks[key]
	if !exists {
		entry = &keyLockEntry{}
		kl.locks[key] = entry
	}
	entry.refs++
	kl.mu.Unlock()

	entry.mu.Lock()
}

func (kl *KeyLocks) Unlock(key string) {
	kl.mu.Lock()
	entry, exists := kl.locks[key]
	if !exists {
		kl.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(kl.locks, key)
	}
	kl.mu.Unlock()

	entry.mu.Unlock()
}
