package pluginconfig

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/pkg/logger"
)

// Deduplicated 合并并发的配置读取请求，并对可重试的失败做指数退避重试。
// 多个 worker 同时 reload 时只会访问一次底层来源；结果不做缓存。
type Deduplicated struct {
	source     Source
	group      singleflight.Group
	maxElapsed time.Duration
}

// DeduplicatedOption 配置 Deduplicated。
type DeduplicatedOption func(*Deduplicated)

// WithMaxElapsed 限制单次读取的重试总时长，0 表示不重试。
func WithMaxElapsed(maxElapsed time.Duration) DeduplicatedOption {
	return func(d *Deduplicated) {
		d.maxElapsed = maxElapsed
	}
}

// NewDeduplicated 包装配置来源。
func NewDeduplicated(source Source, opts ...DeduplicatedOption) *Deduplicated {
	d := &Deduplicated{source: source, maxElapsed: 5 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// List 实现 Source。返回的切片归调用方所有。
//
// 共享的读取不受任何单个调用方取消的影响，每个调用方只按自己的 ctx 放弃等待。
func (d *Deduplicated) List(ctx context.Context) ([]Configuration, error) {
	ch := d.group.DoChan("list", func() (any, error) {
		return d.fetch(context.WithoutCancel(ctx))
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	shared := res.Val.([]Configuration)
	out := make([]Configuration, len(shared))
	for i, cfg := range shared {
		out[i] = cfg.Clone()
	}
	return out, nil
}

func (d *Deduplicated) fetch(ctx context.Context) ([]Configuration, error) {
	if d.maxElapsed <= 0 {
		return d.list(ctx)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = d.maxElapsed

	var configs []Configuration
	operation := func() error {
		list, err := d.list(ctx)
		if err != nil {
			if !xerrors.RetryableError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		configs = list
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Named("pluginconfig").Warn("读取插件配置失败，准备重试", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return configs, nil
}

func (d *Deduplicated) list(ctx context.Context) ([]Configuration, error) {
	configs, err := d.source.List(ctx)
	if err == nil {
		return configs, nil
	}
	if _, ok := xerrors.From(err); ok {
		return nil, err
	}
	return nil, xerrors.Wrap(xerrors.CodeConfigSourceFailure, err, "")
}
