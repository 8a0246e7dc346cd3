// Package reload 监听插件配置变化并触发宿主的 reload 广播。
//
// 支持两种触发方式：Redis pub/sub 频道上的通知，以及周期性比较配置版本。
package reload

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultChannel 是 reload 通知使用的 Redis 频道。
const DefaultChannel = "reload-plugins"

// Reloader 是被触发方，*runtime.Host 实现该接口。
type Reloader interface {
	BroadcastReload(ctx context.Context) error
}

// trigger 合并并发到达的通知：执行中再收到的通知只会导致一次额外的 reload。
type trigger struct {
	target Reloader
	log    *slog.Logger

	mu      sync.Mutex
	running bool
	pending bool
}

func (t *trigger) fire(ctx context.Context, reason string) {
	t.mu.Lock()
	if t.running {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	for {
		if err := t.target.BroadcastReload(ctx); err != nil {
			t.log.Warn("触发插件 reload 失败", slog.String("reason", reason), slog.Any("error", err))
		} else {
			t.log.Info("已触发插件 reload", slog.String("reason", reason))
		}
		t.mu.Lock()
		if !t.pending || ctx.Err() != nil {
			t.running = false
			t.pending = false
			t.mu.Unlock()
			return
		}
		t.pending = false
		t.mu.Unlock()
	}
}
