package counters

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryKey struct {
	counterID CounterID
	scopeKey  ScopeKey
}

type memoryEntry struct {
	mu         sync.Mutex
	value      int64
	lastUsedAt time.Time
	createdAt  time.Time
}

// MemoryStore keeps counter values in process memory. Each key owns its own mutex;
// there is no lock shared across keys on the increment path.
type MemoryStore struct {
	entries sync.Map // memoryKey -> *memoryEntry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{clock: clock}
}

func (s *MemoryStore) Next(_ context.Context, counterID CounterID, scopeKey ScopeKey) (int64, error) {
	now := s.clock().UTC()
	loaded, _ := s.entries.LoadOrStore(memoryKey{counterID: counterID, scopeKey: scopeKey}, &memoryEntry{createdAt: now})
	entry := loaded.(*memoryEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.value++
	entry.lastUsedAt = now
	return entry.value, nil
}

func (s *MemoryStore) Exists(_ context.Context, counterID CounterID) (bool, error) {
	found := false
	s.entries.Range(func(key, _ any) bool {
		if key.(memoryKey).counterID == counterID {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

func (s *MemoryStore) Delete(_ context.Context, counterID CounterID) (int64, error) {
	var removed int64
	s.entries.Range(func(key, _ any) bool {
		if key.(memoryKey).counterID == counterID {
			s.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed, nil
}

func (s *MemoryStore) List(_ context.Context, counterID CounterID) ([]Value, error) {
	values := make([]Value, 0)
	s.entries.Range(func(key, raw any) bool {
		memKey := key.(memoryKey)
		if counterID != "" && memKey.counterID != counterID {
			return true
		}
		entry := raw.(*memoryEntry)
		entry.mu.Lock()
		values = append(values, Value{
			CounterID:  memKey.counterID.String(),
			ScopeKey:   memKey.scopeKey.String(),
			Value:      entry.value,
			LastUsedAt: entry.lastUsedAt,
			CreatedAt:  entry.createdAt,
		})
		entry.mu.Unlock()
		return true
	})
	sort.Slice(values, func(i, j int) bool {
		if values[i].CounterID != values[j].CounterID {
			return values[i].CounterID < values[j].CounterID
		}
		return values[i].ScopeKey < values[j].ScopeKey
	})
	return values, nil
}
