// Package runtime 实现插件执行运行时：实例状态机、按 worker 隔离的实例注册表、
// worker 池以及对外的宿主编排器。
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

// Stats 是宿主的运行计数。
type Stats struct {
	Workers   int   `json:"workers"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	InFlight  int64 `json:"in_flight"`
	Stopping  bool  `json:"stopping"`
}

// Host 是运行时的入口：提交事件、广播 reload 与停机。
type Host struct {
	s    *settings
	pool *Pool

	mu       sync.RWMutex
	stopping bool
	inflight sync.WaitGroup

	stopOnce sync.Once
	stopErr  error

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
}

// NewHost 创建宿主并启动 worker 池。
func NewHost(source pluginconfig.Source, loader plugin.Loader, opts ...Option) *Host {
	s := newSettings(loader, opts)
	return &Host{s: s, pool: newPool(source, s)}
}

// enter 登记一次进行中的调用，停机开始后拒绝。
func (h *Host) enter() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopping {
		return false
	}
	h.inflight.Add(1)
	return true
}

// Submit 让事件流经团队启用的全部插件并返回处理后的事件。
// 返回 nil 事件且无错误表示事件被某个插件丢弃。
func (h *Host) Submit(ctx context.Context, event *plugin.Event) (*plugin.Event, error) {
	if !h.enter() {
		return nil, ErrHostStopped
	}
	defer h.inflight.Done()

	h.submitted.Add(1)
	h.active.Add(1)
	defer h.active.Add(-1)

	out, err := h.pool.Run(ctx, Task{Kind: TaskRunEventPipeline, Event: event})
	if err != nil {
		h.failed.Add(1)
		return nil, err
	}
	h.completed.Add(1)
	return out, nil
}

// BroadcastReload 通知所有 worker 重新读取配置，全部确认后返回。
func (h *Host) BroadcastReload(ctx context.Context) error {
	if !h.enter() {
		return ErrHostStopped
	}
	defer h.inflight.Done()

	err := h.pool.Broadcast(ctx, TaskReloadPlugins)
	if err != nil {
		h.s.logger.Warn("插件 reload 未全部完成", slog.Any("error", err))
	} else {
		logger.Audit().Info("插件配置已重新加载", slog.Int("workers", h.pool.Workers()))
	}
	return err
}

// Stop 停止接收新任务，等待进行中的提交完成，回收所有实例后关闭 worker 池。
// 重复调用会等待首次调用完成并返回相同结果。
func (h *Host) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		h.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			h.inflight.Wait()
			close(drained)
		}()
		var drainErr error
		select {
		case <-drained:
		case <-ctx.Done():
			drainErr = ctx.Err()
			h.s.logger.Warn("等待进行中的任务超时，继续回收插件实例", slog.Int64("in_flight", h.active.Load()))
		}

		// 回收不受调用方超时影响。提交方已放弃的流水线仍可能在 worker 上运行，
		// worker 会先等它们结束并关闭注册表，再回收实例。
		teardownErr := h.pool.Broadcast(context.WithoutCancel(ctx), TaskTeardownPlugins)
		h.pool.Close()
		h.stopErr = errors.Join(drainErr, teardownErr)
		logger.Audit().Info("插件宿主已停止", slog.Int64("submitted", h.submitted.Load()))
	})
	return h.stopErr
}

// Stats 返回运行计数。
func (h *Host) Stats() Stats {
	h.mu.RLock()
	stopping := h.stopping
	h.mu.RUnlock()
	return Stats{
		Workers:   h.pool.Workers(),
		Submitted: h.submitted.Load(),
		Completed: h.completed.Load(),
		Failed:    h.failed.Load(),
		InFlight:  h.active.Load(),
		Stopping:  stopping,
	}
}
