package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store. Watchers are called synchronously on the
// writer's goroutine after the write is visible, outside the store lock.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	watchers map[string]map[int]WatchFunc
	nextID   int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		watchers: make(map[string]map[int]WatchFunc),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	stored := append([]byte(nil), value...)

	m.mu.Lock()
	m.values[key] = stored
	fns := m.watchersLocked(key)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(key, append([]byte(nil), stored...))
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	fns := m.watchersLocked(key)
	m.mu.Unlock()

	if existed {
		for _, fn := range fns {
			fn(key, nil)
		}
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Watch(ctx context.Context, key string, fn WatchFunc) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[int]WatchFunc)
	}
	m.watchers[key][id] = fn
	m.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			m.mu.Lock()
			delete(m.watchers[key], id)
			if len(m.watchers[key]) == 0 {
				delete(m.watchers, key)
			}
			m.mu.Unlock()
		})
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-stop:
			}
		}()
	}
	return cancel, nil
}

func (m *MemoryStore) watchersLocked(key string) []WatchFunc {
	fns := make([]WatchFunc, 0, len(m.watchers[key]))
	for _, fn := range m.watchers[key] {
		fns = append(fns, fn)
	}
	return fns
}
