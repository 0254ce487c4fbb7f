package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stillhaven/go-voicecache/pkg/embedding"
)

// volatileItem is the internal structure stored in the recency list.
type volatileItem struct {
	key       string
	vec       embedding.Vector
	expiresAt time.Time
}

// VolatileStore is the process-local fallback tier used when no durable
// backend is reachable. Entries carry the same TTL as durable writes and are
// lazily expired on access, but live only for the process lifetime and are
// lost on restart. An optional entry cap evicts the least recently used
// entry, bounding memory during long outages.
type VolatileStore struct {
	maxEntries int
	logger     zerolog.Logger

	mu      sync.Mutex
	ll      *list.List               // Tracks recency for eviction.
	entries map[string]*list.Element // Fast key lookups.
}

// NewVolatileStore creates an empty fallback store. maxEntries of zero means
// unbounded.
func NewVolatileStore(maxEntries int, logger zerolog.Logger) *VolatileStore {
	return &VolatileStore{
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "VolatileStore").Logger(),
		ll:         list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Set stores an independent copy of the embedding. A non-positive ttl means
// the entry never expires.
func (s *VolatileStore) Set(userKey string, vec embedding.Vector, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[userKey]; ok {
		item := elem.Value.(*volatileItem)
		item.vec = vec.Clone()
		item.expiresAt = expiresAt
		s.ll.MoveToFront(elem)
		return
	}

	elem := s.ll.PushFront(&volatileItem{key: userKey, vec: vec.Clone(), expiresAt: expiresAt})
	s.entries[userKey] = elem

	if s.maxEntries > 0 && s.ll.Len() > s.maxEntries {
		s.evictOldest()
	}
}

// Fetch returns a copy of the stored embedding. An expired entry is removed
// and reported as a miss.
func (s *VolatileStore) Fetch(userKey string) (embedding.Vector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[userKey]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*volatileItem)
	if item.isExpired() {
		s.remove(elem)
		return nil, false
	}
	s.ll.MoveToFront(elem)
	return item.vec.Clone(), true
}

// Delete removes the entry, reporting whether one existed.
func (s *VolatileStore) Delete(userKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[userKey]
	if !ok {
		return false
	}
	// An expired entry no longer counts as present.
	existed := !elem.Value.(*volatileItem).isExpired()
	s.remove(elem)
	return existed
}

// Exists reports whether a live entry exists, removing it if expired.
func (s *VolatileStore) Exists(userKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[userKey]
	if !ok {
		return false
	}
	if elem.Value.(*volatileItem).isExpired() {
		s.remove(elem)
		return false
	}
	return true
}

// SweepExpired eagerly removes every expired entry and returns the number
// removed.
func (s *VolatileStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.ll.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*volatileItem).isExpired() {
			s.remove(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the number of entries currently held, including any not yet
// lazily expired.
func (s *VolatileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// evictOldest drops the least recently used entry. Must be called with the
// mutex held.
func (s *VolatileStore) evictOldest() {
	elem := s.ll.Back()
	if elem == nil {
		return
	}
	item := elem.Value.(*volatileItem)
	s.remove(elem)
	s.logger.Debug().Str("user_key", item.key).Msg("Evicted oldest volatile entry to stay within the cap.")
}

// remove drops an entry from the list and map. Must be called with the mutex
// held.
func (s *VolatileStore) remove(elem *list.Element) {
	s.ll.Remove(elem)
	delete(s.entries, elem.Value.(*volatileItem).key)
}

func (i *volatileItem) isExpired() bool {
	return !i.expiresAt.IsZero() && !time.Now().Before(i.expiresAt)
}
