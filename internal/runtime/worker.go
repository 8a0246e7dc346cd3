package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/plugin"
)

// worker 持有自己的注册表与配置快照。流水线任务来自共享通道，
// 广播任务来自私有的控制通道。
type worker struct {
	id       int
	s        *settings
	source   pluginconfig.Source
	registry *Registry
	control  chan *job
	finished chan struct{}
	log      *slog.Logger

	snapMu   sync.Mutex
	snapshot *pluginconfig.Snapshot

	// running 只在 loop 所在的 goroutine 中 Add 和 Wait。
	running sync.WaitGroup
	stopped bool
}

func newWorker(id int, s *settings, source pluginconfig.Source) *worker {
	return &worker{
		id:       id,
		s:        s,
		source:   source,
		registry: newRegistry(s),
		control:  make(chan *job),
		finished: make(chan struct{}, s.tasksPerWorker),
		log:      s.logger.With(slog.Int("worker", id)),
	}
}

// loop 在达到并发上限前才从共享通道领取任务，保证任务总由有空闲的 worker 执行。
func (w *worker) loop(tasks <-chan *job, closed <-chan struct{}) {
	inflight := 0
	for {
		intake := tasks
		if w.stopped || inflight >= w.s.tasksPerWorker {
			intake = nil
		}
		select {
		case <-closed:
			w.running.Wait()
			return
		case <-w.finished:
			inflight--
		case j := <-w.control:
			j.reply <- Response{Err: w.handleControl(j.ctx, j.task.Kind)}
		case j := <-intake:
			inflight++
			w.running.Add(1)
			go func() {
				defer w.running.Done()
				event, err := w.runPipeline(j.ctx, j.task.Event)
				j.reply <- Response{Event: event, Err: err}
				w.finished <- struct{}{}
			}()
		}
	}
}

func (w *worker) handleControl(ctx context.Context, kind TaskKind) error {
	switch kind {
	case TaskReloadPlugins:
		return w.reload(ctx)
	case TaskTeardownPlugins:
		// 先等进行中的流水线结束，再回收实例；之后不再领取流水线任务。
		w.stopped = true
		w.running.Wait()
		n := w.registry.TeardownAll(ctx)
		w.s.metrics.SetLiveInstances(w.id, 0)
		w.log.Info("worker 已回收全部插件实例", slog.Int("retired", n))
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的广播任务 %q", kind))
	}
}

func (w *worker) reload(ctx context.Context) error {
	configs, err := w.source.List(ctx)
	if err != nil {
		w.s.metrics.ObserveReload(0, err)
		return err
	}
	w.snapMu.Lock()
	w.snapshot = pluginconfig.NewSnapshot(configs)
	w.snapMu.Unlock()

	retired := w.registry.Reload(ctx, configs)
	w.s.metrics.ObserveReload(retired, nil)
	w.s.metrics.SetLiveInstances(w.id, w.registry.Len())
	w.log.Info("worker 已重新加载插件配置", slog.Int("configs", len(configs)), slog.Int("retired", retired))
	return nil
}

func (w *worker) currentSnapshot(ctx context.Context) (*pluginconfig.Snapshot, error) {
	w.snapMu.Lock()
	defer w.snapMu.Unlock()
	if w.snapshot != nil {
		return w.snapshot, nil
	}
	configs, err := w.source.List(ctx)
	if err != nil {
		return nil, err
	}
	w.snapshot = pluginconfig.NewSnapshot(configs)
	return w.snapshot, nil
}

// runPipeline 按配置顺序依次执行团队启用的插件。
func (w *worker) runPipeline(ctx context.Context, event *plugin.Event) (*plugin.Event, error) {
	if event == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "事件不能为空")
	}
	snap, err := w.currentSnapshot(ctx)
	if err != nil {
		w.s.metrics.ObserveEvent(EventFailed)
		return nil, err
	}
	current := event
	for _, cfg := range snap.ForTeam(event.TeamID) {
		if err := ctx.Err(); err != nil {
			// 提交方已放弃，不再为剩余的插件初始化实例。
			w.s.metrics.ObserveEvent(EventFailed)
			return nil, err
		}
		out, err := w.processWith(ctx, cfg, current)
		if err != nil {
			w.s.metrics.ObserveEvent(EventFailed)
			return nil, err
		}
		if out == nil {
			w.s.metrics.ObserveEvent(EventDropped)
			return nil, nil
		}
		current = out
	}
	w.s.metrics.ObserveEvent(EventProcessed)
	return current, nil
}

func (w *worker) processWith(ctx context.Context, cfg pluginconfig.Configuration, event *plugin.Event) (*plugin.Event, error) {
	inst, err := w.registry.Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	out, err := inst.Process(ctx, event)
	if IsRetired(err) {
		// 实例在调用前被 reload 回收，重新解析一次。
		if inst, err = w.registry.Resolve(ctx, cfg); err != nil {
			return nil, err
		}
		out, err = inst.Process(ctx, event)
	}
	w.s.metrics.SetLiveInstances(w.id, w.registry.Len())
	return out, err
}
