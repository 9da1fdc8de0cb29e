package halt

import (
	"context"
	"sync"
)

// MemoryKV 以内存方式实现 KVStore，主要用于测试。
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryKV 创建 MemoryKV。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

// Get 实现 KVStore。
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

// Set 实现 KVStore。
func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// SetIfAbsent 实现 KVStore。
func (m *MemoryKV) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

// CompareAndSwap 实现 KVStore。
func (m *MemoryKV) CompareAndSwap(_ context.Context, key, old, new string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.values[key]
	if !ok || current != old {
		return false, nil
	}
	m.values[key] = new
	return true, nil
}

// Delete 实现 KVStore。
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryKV) Close() error {
	return nil
}

var _ KVStore = (*MemoryKV)(nil)
