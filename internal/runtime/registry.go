package runtime

import (
	"context"
	"sync"

	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/plugin"
)

// Registry 是单个 worker 私有的配置 ID -> 实例映射。
// 每个配置独占一个槽位，替换某个配置的实例不会阻塞其他配置。
type Registry struct {
	s *settings

	mu     sync.Mutex
	slots  map[int64]*slot
	closed bool
}

type slot struct {
	mu   sync.Mutex
	inst *Instance
}

// NewRegistry 创建实例注册表。
func NewRegistry(loader plugin.Loader, opts ...Option) *Registry {
	return newRegistry(newSettings(loader, opts))
}

func newRegistry(s *settings) *Registry {
	return &Registry{s: s, slots: make(map[int64]*slot)}
}

func (r *Registry) slot(id int64) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl, ok := r.slots[id]
	if !ok {
		sl = &slot{}
		r.slots[id] = sl
	}
	return sl
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) snapshot() map[int64]*slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]*slot, len(r.slots))
	for id, sl := range r.slots {
		out[id] = sl
	}
	return out
}

// Resolve 返回与配置版本匹配的实例。版本不同时先回收旧实例，再放入新的未初始化实例；
// 构造实例不会执行 setup。若槽位中的实例比传入配置更新（任务持有过期快照），沿用较新的实例。
// TeardownAll 之后注册表不再创建实例，返回 ErrRegistryClosed。
func (r *Registry) Resolve(ctx context.Context, cfg pluginconfig.Configuration) (*Instance, error) {
	sl := r.slot(cfg.ID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	// 在槽位锁内检查：TeardownAll 先置位 closed 再逐个锁定槽位，因此不会漏掉这里创建的实例。
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	if current := sl.inst; current != nil && !current.Retired() {
		switch {
		case current.Revision() == cfg.Revision():
			return current, nil
		case cfg.Revision().Before(current.Revision()):
			return current, nil
		}
		current.Teardown(ctx)
	}
	sl.inst = newInstance(cfg, r.s)
	return sl.inst, nil
}

// Reload 回收版本变化、被删除或被禁用的配置对应的实例，未变化的实例保持不动。
// 返回被回收的实例数量。
func (r *Registry) Reload(ctx context.Context, current []pluginconfig.Configuration) int {
	wanted := make(map[int64]pluginconfig.Revision, len(current))
	for _, cfg := range current {
		if cfg.Enabled {
			wanted[cfg.ID] = cfg.Revision()
		}
	}
	retired := 0
	for id, sl := range r.snapshot() {
		sl.mu.Lock()
		if inst := sl.inst; inst != nil {
			rev, ok := wanted[id]
			if !ok || rev != inst.Revision() {
				inst.Teardown(ctx)
				sl.inst = nil
				retired++
			}
		}
		sl.mu.Unlock()
	}
	return retired
}

// TeardownAll 关闭注册表并回收所有实例，用于停机。
func (r *Registry) TeardownAll(ctx context.Context) int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	retired := 0
	for _, sl := range r.snapshot() {
		sl.mu.Lock()
		if sl.inst != nil {
			sl.inst.Teardown(ctx)
			sl.inst = nil
			retired++
		}
		sl.mu.Unlock()
	}
	return retired
}

// Lookup 返回配置当前的实例。
func (r *Registry) Lookup(id int64) (*Instance, bool) {
	r.mu.Lock()
	sl, ok := r.slots[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.inst, sl.inst != nil
}

// Len 返回当前持有的实例数量。
func (r *Registry) Len() int {
	n := 0
	for _, sl := range r.snapshot() {
		sl.mu.Lock()
		if sl.inst != nil {
			n++
		}
		sl.mu.Unlock()
	}
	return n
}
