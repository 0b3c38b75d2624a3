package cache

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"YrestData/internal/logger"
)

const memorySweepFreq = time.Minute

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero — без срока
	lastUsed  time.Time
}

// Memory — процессный кэш с TTL, ленивой чисткой и лимитом по байтам.
type Memory struct {
	*codec
	mu         sync.Mutex
	items      map[string]*memoryEntry
	lastSweep  time.Time
	totalBytes int64
	maxBytes   int64
	now        func() time.Time
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	m := &Memory{
		items:    make(map[string]*memoryEntry),
		maxBytes: o.maxBytes,
		now:      o.now,
	}
	m.codec = &codec{b: m, ttl: o.ttl}
	return m
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(m.now(), true)
	return len(m.items)
}

func (m *Memory) load(_ context.Context, key string) ([]byte, bool, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now, false)
	entry, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(now) {
		m.deleteLocked(key)
		return nil, false, nil
	}
	entry.lastUsed = now
	return entry.data, true, nil
}

func (m *Memory) store(_ context.Context, key string, data []byte, ttl time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logMemoryPressure()
			err = fmt.Errorf("cache store failed: %v", r)
		}
	}()
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(now, false)

	size := int64(len(key) + len(data))
	if m.maxBytes > 0 && size > m.maxBytes {
		logger.Warn("cache_item_too_large", map[string]any{
			"key":        key,
			"item_bytes": size,
			"max_bytes":  m.maxBytes,
		})
		return nil
	}
	if existing, ok := m.items[key]; ok {
		m.totalBytes -= int64(len(key) + len(existing.data))
	}
	if m.maxBytes > 0 && m.totalBytes+size > m.maxBytes {
		logger.Warn("cache_memory_limit_exceeded", map[string]any{
			"item_bytes":  size,
			"total_bytes": m.totalBytes,
			"max_bytes":   m.maxBytes,
		})
		delete(m.items, key)
		return nil
	}

	entry := &memoryEntry{data: data, lastUsed: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.items[key] = entry
	m.totalBytes += size
	return nil
}

func (m *Memory) remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	return nil
}

func (m *Memory) clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*memoryEntry)
	m.totalBytes = 0
	return nil
}

func (m *Memory) deleteLocked(key string) {
	if entry, ok := m.items[key]; ok {
		m.totalBytes -= int64(len(key) + len(entry.data))
		delete(m.items, key)
	}
}

func (m *Memory) sweepLocked(now time.Time, force bool) {
	if !force && !m.lastSweep.IsZero() && now.Sub(m.lastSweep) < memorySweepFreq {
		return
	}
	for key, entry := range m.items {
		if entry.expired(now) {
			m.deleteLocked(key)
		}
	}
	m.lastSweep = now
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func logMemoryPressure() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	logger.Error("cache_memory_pressure", map[string]any{
		"alloc_bytes": stats.Alloc,
		"heap_inuse":  stats.HeapInuse,
	})
}
