package hostfn

import (
	"context"
	"sync"
)

// MemoryKeyValue is an in-memory KeyValue.
type MemoryKeyValue struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

var _ KeyValue = (*MemoryKeyValue)(nil)

// NewMemoryKeyValue creates an empty store.
func NewMemoryKeyValue() *MemoryKeyValue {
	return &MemoryKeyValue{buckets: make(map[string]map[string][]byte)}
}

// Get implements KeyValue.
func (m *MemoryKeyValue) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.buckets[bucket][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements KeyValue.
func (m *MemoryKeyValue) Set(ctx context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KeyValue.
func (m *MemoryKeyValue) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets[bucket], key)
	return nil
}

// Exists implements KeyValue.
func (m *MemoryKeyValue) Exists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.buckets[bucket][key]
	return ok, nil
}
