package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/visao-labs/visao/backends"
)

type memoryEntry struct {
	key        Key
	result     *backends.Result
	insertedAt time.Time
}

// MemoryOption customises a Memory cache.
type MemoryOption func(*Memory)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithEvictHook registers fn to be called, outside the cache lock, whenever an
// entry is dropped for capacity or age.
func WithEvictHook(fn func(Key, EvictReason)) MemoryOption {
	return func(m *Memory) { m.onEvict = fn }
}

// Memory is a thread-safe in-process cache with a fixed entry budget and a
// uniform TTL. When full, the entry that was inserted first is evicted; reads
// do not change an entry's position.
type Memory struct {
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
	items   map[Key]*list.Element
	order   *list.List // front is the oldest insertion
	now     func() time.Time
	onEvict func(Key, EvictReason)
}

// NewMemory creates a Memory cache holding at most maxSize entries for ttl.
// maxSize <= 0 disables storage; ttl <= 0 makes every entry stale at once.
func NewMemory(maxSize int, ttl time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[Key]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) fresh(e *memoryEntry, now time.Time) bool {
	return now.Sub(e.insertedAt) < m.ttl
}

// Get returns the cached result for key. A stale entry is removed and
// reported as a miss.
func (m *Memory) Get(key Key) (*backends.Result, bool) {
	now := m.now()

	m.mu.RLock()
	elem, ok := m.items[key]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if m.fresh(entry, now) {
		m.mu.RUnlock()
		return entry.result, true
	}
	m.mu.RUnlock()

	m.mu.Lock()
	removed := false
	// Another writer may have replaced the entry while the lock was released.
	if cur, ok := m.items[key]; ok && cur == elem && !m.fresh(cur.Value.(*memoryEntry), now) {
		m.removeElement(cur)
		removed = true
	}
	m.mu.Unlock()

	if removed {
		m.evicted(key, EvictExpired)
	}
	return nil, false
}

// Set stores result under key. Overwriting an existing key refreshes its age
// and moves it to the newest position without evicting anything.
func (m *Memory) Set(key Key, result *backends.Result) {
	if m.maxSize <= 0 {
		return
	}
	now := m.now()

	var victims []Key
	m.mu.Lock()
	if elem, ok := m.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.result = result
		entry.insertedAt = now
		m.order.MoveToBack(elem)
		m.mu.Unlock()
		return
	}
	for m.order.Len() >= m.maxSize {
		oldest := m.order.Front()
		victims = append(victims, oldest.Value.(*memoryEntry).key)
		m.removeElement(oldest)
	}
	m.items[key] = m.order.PushBack(&memoryEntry{key: key, result: result, insertedAt: now})
	m.mu.Unlock()

	for _, k := range victims {
		m.evicted(k, EvictCapacity)
	}
}

// Clear removes every entry. Evict hooks are not called.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[Key]*list.Element)
	m.order.Init()
}

// Len returns the number of stored entries, including stale ones not yet
// removed.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

// Stats reports the current entry count and configured bounds.
func (m *Memory) Stats() Stats {
	return Stats{
		Count:      m.Len(),
		MaxSize:    m.maxSize,
		TTLSeconds: m.ttl.Seconds(),
		Backend:    "memory",
	}
}

// removeElement must be called with m.mu held for writing.
func (m *Memory) removeElement(elem *list.Element) {
	m.order.Remove(elem)
	delete(m.items, elem.Value.(*memoryEntry).key)
}

func (m *Memory) evicted(key Key, reason EvictReason) {
	if m.onEvict != nil {
		m.onEvict(key, reason)
	}
}
