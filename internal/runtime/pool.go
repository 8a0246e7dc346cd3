package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/plugin"
)

// Pool 是固定数量的 worker 集合。
type Pool struct {
	s       *settings
	tasks   chan *job
	workers []*worker

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewPool 启动 worker。
func NewPool(source pluginconfig.Source, loader plugin.Loader, opts ...Option) *Pool {
	return newPool(source, newSettings(loader, opts))
}

func newPool(source pluginconfig.Source, s *settings) *Pool {
	p := &Pool{
		s:      s,
		tasks:  make(chan *job),
		closed: make(chan struct{}),
	}
	for id := 0; id < s.workers; id++ {
		w := newWorker(id, s, source)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.loop(p.tasks, p.closed)
		}()
	}
	return p
}

// Workers 返回 worker 数量。
func (p *Pool) Workers() int { return len(p.workers) }

// Run 将流水线任务交给一个空闲 worker 并等待结果。
func (p *Pool) Run(ctx context.Context, task Task) (*plugin.Event, error) {
	if task.Kind != TaskRunEventPipeline {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("任务 %q 需要通过 Broadcast 执行", task.Kind))
	}
	j := newJob(ctx, task)
	select {
	case p.tasks <- j:
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-j.reply:
		return resp.Event, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast 将任务发送到每个 worker 的控制通道，所有 worker 确认后返回，错误合并返回。
func (p *Pool) Broadcast(ctx context.Context, kind TaskKind) error {
	if kind == TaskRunEventPipeline {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线任务不能广播")
	}
	errs := make([]error, len(p.workers))
	var g errgroup.Group
	for idx, w := range p.workers {
		g.Go(func() error {
			errs[idx] = p.sendControl(ctx, w, kind)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Pool) sendControl(ctx context.Context, w *worker, kind TaskKind) error {
	j := newJob(ctx, Task{Kind: kind})
	select {
	case w.control <- j:
	case <-p.closed:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case resp := <-j.reply:
		if resp.Err != nil {
			return fmt.Errorf("worker %d: %w", w.id, resp.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止 worker，等待进行中的任务结束。可重复调用。
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}
