package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/pixelcore/internal/pkg/metrics"
)

// MemoryTier is a byte-budgeted LRU. The sum of entry sizes never exceeds
// the budget.
type MemoryTier struct {
	mu     sync.Mutex
	budget int64
	bytes  int64
	ll     *list.List
	items  map[string]*list.Element
	now    func() time.Time

	evictions   uint64
	expirations uint64
}

func NewMemoryTier(budget int64) *MemoryTier {
	return &MemoryTier{
		budget: budget,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
		now:    time.Now,
	}
}

// Get returns a copy of the entry for key. Expired entries are removed and
// reported as missing.
func (m *MemoryTier) Get(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*Entry)
	now := m.now()
	if e.Expired(now) {
		m.removeElement(el)
		m.expirations++
		metrics.CacheEvictionsTotal.WithLabelValues("memory", "expired").Inc()
		return nil, false
	}
	e.AccessedAt = now
	m.ll.MoveToFront(el)
	return e.clone(), true
}

// Put stores e, evicting least recently used entries until it fits. It
// returns false when e alone is larger than the budget.
func (m *MemoryTier) Put(e *Entry) bool {
	if e.Size > m.budget {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[e.Key]; ok {
		m.removeElement(el)
	}
	for m.bytes+e.Size > m.budget {
		back := m.ll.Back()
		if back == nil {
			break
		}
		m.removeElement(back)
		m.evictions++
		metrics.CacheEvictionsTotal.WithLabelValues("memory", "lru").Inc()
	}

	m.items[e.Key] = m.ll.PushFront(e.clone())
	m.bytes += e.Size
	metrics.CacheMemoryBytes.Set(float64(m.bytes))
	return true
}

func (m *MemoryTier) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeElement(el)
	return true
}

// DeletePrefix removes every entry whose key starts with prefix.
func (m *MemoryTier) DeletePrefix(prefix string) int {
	return m.deleteWhere(func(e *Entry) bool { return strings.HasPrefix(e.Key, prefix) })
}

// DeleteTag removes every entry carrying tag.
func (m *MemoryTier) DeleteTag(tag string) int {
	return m.deleteWhere(func(e *Entry) bool { return e.HasTag(tag) })
}

// DeleteExpired drops all expired entries.
func (m *MemoryTier) DeleteExpired() int {
	now := m.now()
	n := m.deleteWhere(func(e *Entry) bool { return e.Expired(now) })
	m.mu.Lock()
	m.expirations += uint64(n)
	m.mu.Unlock()
	return n
}

func (m *MemoryTier) deleteWhere(match func(*Entry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for el := m.ll.Front(); el != nil; {
		next := el.Next()
		if match(el.Value.(*Entry)) {
			m.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (m *MemoryTier) removeElement(el *list.Element) {
	e := m.ll.Remove(el).(*Entry)
	delete(m.items, e.Key)
	m.bytes -= e.Size
	metrics.CacheMemoryBytes.Set(float64(m.bytes))
}

// Len returns the number of entries and their total size.
func (m *MemoryTier) Len() (int, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len(), m.bytes
}

func (m *MemoryTier) counters() (evictions, expirations uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions, m.expirations
}
