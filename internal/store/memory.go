package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store used by tests and single-process dev runs.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]Record)}
}

func (m *MemStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value)
	return nil
}

func (m *MemStore) PutMulti(_ context.Context, entries map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range entries {
		m.putLocked(key, value)
	}
	return nil
}

func (m *MemStore) putLocked(key string, value []byte) {
	rec := m.data[key]
	rec.Key = key
	rec.Value = append([]byte(nil), value...)
	rec.Version++
	m.data[key] = rec
}

func (m *MemStore) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (m *MemStore) ScanPrefix(_ context.Context, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for key, rec := range m.data {
		if strings.HasPrefix(key, prefix) {
			rec.Value = append([]byte(nil), rec.Value...)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemStore) CompareAndSwap(_ context.Context, key string, value []byte, expect int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if expect == 0 {
		if ok {
			return 0, ErrConflict
		}
		m.data[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: 1}
		return 1, nil
	}
	if !ok || rec.Version != expect {
		return 0, ErrConflict
	}
	rec.Value = append([]byte(nil), value...)
	rec.Version = expect + 1
	m.data[key] = rec
	return rec.Version, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Close() error { return nil }
