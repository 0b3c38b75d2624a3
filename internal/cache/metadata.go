package cache

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Metadata хранит флаги "модель+операция" (например, миграция уже выполнена).
type Metadata struct {
	mu    sync.RWMutex
	flags map[string]struct{}
	group singleflight.Group
}

func NewMetadata() *Metadata {
	return &Metadata{flags: make(map[string]struct{})}
}

func metaKey(model, op string) string {
	return strings.ToLower(model) + "|" + op
}

func (m *Metadata) Has(model, op string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.flags[metaKey(model, op)]
	return ok
}

func (m *Metadata) Set(model, op string) {
	m.mu.Lock()
	m.flags[metaKey(model, op)] = struct{}{}
	m.mu.Unlock()
}

// Reset сбрасывает все флаги модели.
func (m *Metadata) Reset(model string) {
	prefix := strings.ToLower(model) + "|"
	m.mu.Lock()
	for k := range m.flags {
		if strings.HasPrefix(k, prefix) {
			delete(m.flags, k)
		}
	}
	m.mu.Unlock()
}

// Once runs fn until it succeeds once for model+op; concurrent callers wait
// for the running attempt.
func (m *Metadata) Once(ctx context.Context, model, op string, fn func(context.Context) error) error {
	if m.Has(model, op) {
		return nil
	}
	_, err, _ := m.group.Do(metaKey(model, op), func() (any, error) {
		if m.Has(model, op) {
			return nil, nil
		}
		if err := fn(ctx); err != nil {
			return nil, err
		}
		m.Set(model, op)
		return nil, nil
	})
	return err
}
