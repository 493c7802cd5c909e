// Package keydir implements the in-memory index mapping every live key to
// the location of its most recent record. It is the single source of
// truth for "is this key alive, and where".
package keydir

import (
	"sync"

	"github.com/nikosl/bitcask/internal/storage"
)

// Entry is one keydir record: where the key's current value lives and
// when it was written.
type Entry struct {
	FileID    uint32
	Offset    uint64
	Size      uint64
	Timestamp uint64
}

// Location returns the row location this entry points at.
func (e Entry) Location() storage.RowLocation {
	return storage.RowLocation{FileID: e.FileID, Offset: e.Offset, Size: e.Size}
}

// Keydir is a concurrent key -> Entry map.
type Keydir struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Keydir.
func New() *Keydir {
	return &Keydir{entries: make(map[string]Entry)}
}

// Put unconditionally records key's current location (last write wins).
// Callers serialize put/delete around the underlying append so that the
// index update observes the freshly written row location.
func (k *Keydir) Put(key []byte, e Entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.PutLocked(key, e)
}

// PutLocked is Put without acquiring the lock, for callers that already
// hold it (typically across a full append-then-index sequence via
// Lock/Unlock).
func (k *Keydir) PutLocked(key []byte, e Entry) {
	k.entries[string(key)] = e
}

// CheckedPut inserts e for key only if key is not already present; an
// existing entry is left as it is. Merge does not use it: it redirects
// keys with CompareAndSwap.
func (k *Keydir) CheckedPut(key []byte, e Entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.entries[string(key)]; !ok {
		k.entries[string(key)] = e
	}
}

// CompareAndSwap replaces key's entry with next only if its current entry
// is still exactly old. It is used by merge to redirect a key to its
// compacted location without clobbering a write (or delete) that landed
// on the key after the merge snapshot was taken.
func (k *Keydir) CompareAndSwap(key []byte, old, next Entry) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	current, ok := k.entries[string(key)]
	if !ok || current != old {
		return false
	}
	k.entries[string(key)] = next
	return true
}

// Get returns a snapshot of key's entry.
func (k *Keydir) Get(key []byte) (Entry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.GetLocked(key)
}

// GetLocked is Get without acquiring the lock, for callers that already
// hold it (read or write).
func (k *Keydir) GetLocked(key []byte) (Entry, bool) {
	e, ok := k.entries[string(key)]
	return e, ok
}

// Delete removes key from the keydir.
func (k *Keydir) Delete(key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.DeleteLocked(key)
}

// DeleteLocked is Delete without acquiring the lock, for callers that
// already hold it.
func (k *Keydir) DeleteLocked(key []byte) {
	delete(k.entries, string(key))
}

// ContainsKey reports whether key has a live entry.
func (k *Keydir) ContainsKey(key []byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.entries[string(key)]
	return ok
}

// Len returns the number of live keys.
func (k *Keydir) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Clear removes every entry.
func (k *Keydir) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ClearLocked()
}

// ClearLocked is Clear without acquiring the lock, for callers that
// already hold it.
func (k *Keydir) ClearLocked() {
	k.entries = make(map[string]Entry)
}

// Snapshot returns a point-in-time copy of every (key, entry) pair,
// safe to range over without holding the keydir lock.
func (k *Keydir) Snapshot() map[string]Entry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	snap := make(map[string]Entry, len(k.entries))
	for key, e := range k.entries {
		snap[key] = e
	}
	return snap
}

// ForEach calls f for every (key, entry) pair in unspecified order. f must
// not mutate the Keydir.
func (k *Keydir) ForEach(f func(key []byte, e Entry) bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for key, e := range k.entries {
		if !f([]byte(key), e) {
			return
		}
	}
}

// Lock/Unlock/RLock/RUnlock expose the keydir's lock directly so callers
// (the Bitcask write path, Get and Drop) can hold it across a full
// append-then-index sequence, preserving the ordering invariant described
// in the concurrency model.
func (k *Keydir) Lock()    { k.mu.Lock() }
func (k *Keydir) Unlock()  { k.mu.Unlock() }
func (k *Keydir) RLock()   { k.mu.RLock() }
func (k *Keydir) RUnlock() { k.mu.RUnlock() }

// RebuildFrom replays a descending (by file id, then offset) recovery
// iterator and rebuilds the keydir from scratch: the first time a key is
// observed is always its freshest version. A tombstone observed before
// any live version is recorded and suppresses a later (older) insert of
// that same key.
func RebuildFrom(rows func(yield func(storage.RecoveredRow) bool)) *Keydir {
	kd := New()
	tombstoned := make(map[string]struct{})
	rows(func(r storage.RecoveredRow) bool {
		key := string(r.Key)
		if _, ok := kd.entries[key]; ok {
			return true
		}
		if r.IsTombstone {
			tombstoned[key] = struct{}{}
			return true
		}
		if _, ok := tombstoned[key]; ok {
			return true
		}
		kd.entries[key] = Entry{
			FileID:    r.FileID,
			Offset:    r.Offset,
			Size:      r.Size,
			Timestamp: r.Timestamp,
		}
		return true
	})
	return kd
}
