package assetcache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// memoryTier keeps recently served artifacts in process memory. Items are
// stamped with the derived file's mtime and only served while it matches.
// A nil *memoryTier is a disabled tier.
type memoryTier struct {
	cache *ristretto.Cache
}

type memoryItem struct {
	data     []byte
	storedAt time.Time
}

// newMemoryTier creates a size-bounded hot tier. maxSizeMB is the byte budget in megabytes.
func newMemoryTier(maxSizeMB int64) (*memoryTier, error) {
	maxCost := maxSizeMB * 1024 * 1024

	// NumCounters should be ~10x the number of entries; assume 4KB artifacts
	numCounters := maxCost / 4096 * 10
	if numCounters < 1000 {
		numCounters = 1000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &memoryTier{cache: cache}, nil
}

func (m *memoryTier) get(key string, storedAt time.Time) ([]byte, bool) {
	if m == nil {
		return nil, false
	}

	val, found := m.cache.Get(key)
	if !found {
		return nil, false
	}

	item, ok := val.(*memoryItem)
	if !ok || !item.storedAt.Equal(storedAt) {
		m.cache.Del(key)
		return nil, false
	}

	return item.data, true
}

func (m *memoryTier) set(key string, data []byte, storedAt time.Time) {
	if m == nil {
		return
	}

	m.cache.Set(key, &memoryItem{data: data, storedAt: storedAt}, int64(len(data))+1)
}

// wait blocks until buffered writes are applied.
func (m *memoryTier) wait() {
	if m == nil {
		return
	}
	m.cache.Wait()
}

func (m *memoryTier) clear() {
	if m == nil {
		return
	}
	m.cache.Clear()
}

func (m *memoryTier) close() {
	if m == nil {
		return
	}
	m.cache.Close()
}
