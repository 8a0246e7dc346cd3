package storage

import (
	"context"
	"sync"
)

type memoryKey struct {
	namespace int64
	key       string
}

// MemoryBackend 是进程内后端，用于测试与单机部署。
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[memoryKey][]byte
}

// NewMemoryBackend 创建空的内存后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[memoryKey][]byte)}
}

// Get 实现 Backend。
func (m *MemoryBackend) Get(_ context.Context, namespace int64, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[memoryKey{namespace, key}]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set 实现 Backend。
func (m *MemoryBackend) Set(_ context.Context, namespace int64, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[memoryKey{namespace, key}] = append([]byte(nil), value...)
	return nil
}
