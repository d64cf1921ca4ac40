// Package keyedmutex implements the fine-grained locking spec.md §5
// requires: readers and writers of the same key are serialized, cross-key
// operations run in parallel. It backs the per-fileId locks in
// uploadsession, chunkstore, pipeline and recovery.
package keyedmutex

import "sync"

// Map is a map[string]*sync.Mutex guarded by its own mutex, handing out
// per-key locks that are created lazily and kept until the owner calls
// Delete for that key (there is no reference counting).
type Map struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty keyed-mutex map.
func New() *Map {
	return &Map{locks: make(map[string]*sync.Mutex)}
}

func (m *Map) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Lock acquires the lock for key, blocking until available.
func (m *Map) Lock(key string) {
	m.lockFor(key).Lock()
}

// Unlock releases the lock for key.
func (m *Map) Unlock(key string) {
	m.lockFor(key).Unlock()
}

// With runs fn while holding the lock for key.
func (m *Map) With(key string, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}

// Delete drops the lock entry for key once the caller knows no one else
// can be waiting on it (e.g. after a session is purged).
func (m *Map) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}
