package chunkcache

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// MemStore is the in-memory tier, backed by groupcache's lru.Cache per
// dimension. It's selected by config when the cache directory is unset
// (":memory:" mode), matching bincache.py's sqlite3 ":memory:"
// connection string option but swapped for a real in-process LRU since
// there's no reason to pay sqlite's overhead for a non-persistent tier.
type MemStore struct {
	mu         sync.Mutex
	maxPerDim  int
	caches     map[int32]*lru.Cache
	shadowSets map[int32]map[Key]struct{}
}

// NewMemStore builds a MemStore whose per-dimension LRU evicts past
// maxPerDim entries. maxPerDim<=0 means unbounded.
func NewMemStore(maxPerDim int) *MemStore {
	return &MemStore{
		maxPerDim:  maxPerDim,
		caches:     map[int32]*lru.Cache{},
		shadowSets: map[int32]map[Key]struct{}{},
	}
}

// dimCache returns (creating if needed) the LRU for dimension, wired with
// an OnEvicted hook that keeps the shadow key set (groupcache's lru.Cache
// has no enumeration API) consistent across LRU-driven evictions.
func (m *MemStore) dimCache(dimension int32) *lru.Cache {
	c, ok := m.caches[dimension]
	if !ok {
		c = &lru.Cache{
			MaxEntries: m.maxPerDim,
			OnEvicted: func(key lru.Key, _ interface{}) {
				delete(m.shadow(dimension), key.(Key))
			},
		}
		m.caches[dimension] = c
	}
	return c
}

func (m *MemStore) shadow(dimension int32) map[Key]struct{} {
	s, ok := m.shadowSets[dimension]
	if !ok {
		s = map[Key]struct{}{}
		m.shadowSets[dimension] = s
	}
	return s
}

func (m *MemStore) Get(dimension int32, key Key) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.dimCache(dimension)
	v, ok := c.Get(key)
	if !ok {
		return nil, false, nil
	}
	e := v.(Entry)
	return &e, true, nil
}

func (m *MemStore) Put(dimension int32, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.dimCache(dimension)
	c.Add(entry.Key, entry)
	m.shadow(dimension)[entry.Key] = struct{}{}
	return nil
}

func (m *MemStore) Delete(dimension int32, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.dimCache(dimension)
	c.Remove(key)
	delete(m.shadow(dimension), key)
	return nil
}

func (m *MemStore) Keys(dimension int32) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.shadow(dimension)
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out, nil
}

func (m *MemStore) GC(dimension int32, cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[dimension]
	if !ok {
		return 0, nil
	}
	removed := 0
	for k := range m.shadow(dimension) {
		v, ok := c.Get(k)
		if !ok {
			continue
		}
		if v.(Entry).AccessedAt < cutoff {
			c.Remove(k) // triggers OnEvicted, which removes k from the shadow set
			removed++
		}
	}
	return removed, nil
}

func (m *MemStore) Dimensions() ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, len(m.caches))
	for d := range m.caches {
		out = append(out, d)
	}
	return out, nil
}

func (m *MemStore) Close() error { return nil }
