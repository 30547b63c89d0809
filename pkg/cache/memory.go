package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the in-memory store when no explicit limit is given.
const DefaultMaxEntries = 10000

// MemoryStore is an in-process Store: a mutex-guarded map plus an LRU list.
// Stale entries are treated as absent, removed when looked up, and swept by the janitor.
// When MaxEntries is exceeded the least recently used entry is evicted.
type MemoryStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	now        func() time.Time
}

type memoryItem struct {
	key   string
	entry Entry
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries bounds the number of entries; n <= 0 keeps the default.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an in-memory store with the given TTL.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ttl:        ttl,
		maxEntries: DefaultMaxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *MemoryStore) TTL() time.Duration {
	return s.ttl
}

// Get returns a fresh entry or ErrCacheMiss.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return nil, ErrCacheMiss
	}

	item := el.Value.(*memoryItem)
	if !item.entry.IsFresh(s.now(), s.ttl) {
		s.removeElement(el)
		CacheEvictions.WithLabelValues(LayerMemory, "expired").Inc()
		CacheMisses.WithLabelValues(LayerMemory).Inc()
		return nil, ErrCacheMiss
	}

	s.order.MoveToFront(el)
	CacheHits.WithLabelValues(LayerMemory).Inc()

	entry := item.entry
	return &entry, nil
}

// Set stores data under key with StoredAt = now, replacing any previous entry.
func (s *MemoryStore) Set(ctx context.Context, key string, data []byte) error {
	return s.SetAt(ctx, key, data, s.now())
}

// SetAt stores data under key with the given StoredAt.
func (s *MemoryStore) SetAt(_ context.Context, key string, data []byte, storedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{Data: data, StoredAt: storedAt}
	if !entry.IsFresh(s.now(), s.ttl) {
		return nil
	}

	if el, ok := s.entries[key]; ok {
		el.Value.(*memoryItem).entry = entry
		s.order.MoveToFront(el)
		return nil
	}

	s.entries[key] = s.order.PushFront(&memoryItem{key: key, entry: entry})

	for len(s.entries) > s.maxEntries {
		s.removeElement(s.order.Back())
		CacheEvictions.WithLabelValues(LayerMemory, "capacity").Inc()
	}

	CacheEntries.WithLabelValues(LayerMemory).Set(float64(len(s.entries)))
	return nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeElement(el)
	}
	return nil
}

// Clear empties the store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*list.Element)
	s.order.Init()
	CacheEntries.WithLabelValues(LayerMemory).Set(0)
	return nil
}

// Len returns the number of entries, stale ones included.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

// Sweep removes every stale entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if !el.Value.(*memoryItem).entry.IsFresh(now, s.ttl) {
			s.removeElement(el)
			removed++
		}
		el = prev
	}

	if removed > 0 {
		CacheEvictions.WithLabelValues(LayerMemory, "expired").Add(float64(removed))
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

// removeElement must be called with s.mu held.
func (s *MemoryStore) removeElement(el *list.Element) {
	item := s.order.Remove(el).(*memoryItem)
	delete(s.entries, item.key)
	CacheEntries.WithLabelValues(LayerMemory).Set(float64(len(s.entries)))
}
