// Package recordcache defines the Record Cache collaborator interface
// plus an in-memory reference implementation. The cache is consulted
// only when a caller opts in per query; staleness comparison against
// the remote lives in package rowmerge, which is the only caller that
// knows how to issue the count queries a staleness check needs.
package recordcache

import (
	"sync"
	"time"
)

// Cache is the external collaborator interface the reconciliation core
// depends on. Implementations need not be persistent; Memory below is
// not.
type Cache interface {
	// Get returns the cached value for key and true if present. ttl, if
	// > 0, additionally expires entries older than ttl.
	Get(key string, ttl time.Duration) (interface{}, bool)
	// Put stores value under key, stamping it with the current time.
	Put(key string, value interface{})
	// Mtime returns the wall-clock time value was last Put under key,
	// and true if key is present.
	Mtime(key string) (time.Time, bool)
}

type entry struct {
	value interface{}
	at    time.Time
}

// Memory is a process-local, RWMutex-guarded map implementation of
// Cache: a reference implementation, and the backing store tests use
// when they don't want a real persistent cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry)}
}

// Get implements Cache.
func (m *Memory) Get(key string, ttl time.Duration) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if ttl > 0 && time.Since(e.at) > ttl {
		return nil, false
	}
	return e.value, true
}

// Put implements Cache.
func (m *Memory) Put(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, at: time.Now()}
}

// Mtime implements Cache.
func (m *Memory) Mtime(key string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Delete removes key, for tests that need to force a cache miss.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
