package pluginconfig

import (
	"context"
	"sync"
	"time"
)

// MemorySource 在内存中维护配置，适合测试与嵌入式场景。
type MemorySource struct {
	mu      sync.RWMutex
	configs map[int64]Configuration
	order   []int64
	now     func() time.Time
}

// NewMemorySource 使用初始配置创建内存来源。
func NewMemorySource(configs ...Configuration) *MemorySource {
	m := &MemorySource{configs: make(map[int64]Configuration), now: time.Now}
	for _, cfg := range configs {
		m.Put(cfg)
	}
	return m
}

// Put 新增或替换配置。
func (m *MemorySource) Put(cfg Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ID]; !ok {
		m.order = append(m.order, cfg.ID)
	}
	m.configs[cfg.ID] = cfg.Clone()
}

// Update 修改配置并刷新 UpdatedAt，使其成为新版本。
func (m *MemorySource) Update(id int64, mutate func(*Configuration)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return false
	}
	cfg = cfg.Clone()
	mutate(&cfg)
	next := m.now()
	if !next.After(cfg.UpdatedAt) {
		next = cfg.UpdatedAt.Add(time.Nanosecond)
	}
	cfg.UpdatedAt = next
	m.configs[id] = cfg
	return true
}

// Delete 移除配置。
func (m *MemorySource) Delete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return
	}
	delete(m.configs, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// List 实现 Source。
func (m *MemorySource) List(context.Context) ([]Configuration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Configuration, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.configs[id].Clone())
	}
	return out, nil
}
