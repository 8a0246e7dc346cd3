package reload

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/logger"
)

// PollWatcher 周期读取配置来源，发现版本变化时触发 reload。
type PollWatcher struct {
	source   pluginconfig.Source
	interval time.Duration
	trigger  *trigger
	last     map[int64]pluginconfig.Revision
}

// NewPollWatcher 创建轮询器，interval 不大于 0 时使用 30 秒。
func NewPollWatcher(source pluginconfig.Source, interval time.Duration, target Reloader) *PollWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PollWatcher{
		source:   source,
		interval: interval,
		trigger:  &trigger{target: target, log: logger.Named("reload").With(slog.String("watcher", "poll"))},
	}
}

// Run 轮询直到 ctx 取消。首次读取只建立基线。
func (w *PollWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check 读取一次配置，与上次结果比较，发生变化时同步触发 reload 并返回 true。
func (w *PollWatcher) Check(ctx context.Context) bool {
	configs, err := w.source.List(ctx)
	if err != nil {
		w.trigger.log.Warn("读取插件配置失败", slog.Any("error", err))
		return false
	}
	current := revisions(configs)
	previous := w.last
	w.last = current
	if previous == nil || maps.Equal(previous, current) {
		return false
	}
	w.trigger.fire(ctx, "poll")
	return true
}

// revisions 只统计启用的配置，停用等同于删除。
func revisions(configs []pluginconfig.Configuration) map[int64]pluginconfig.Revision {
	out := make(map[int64]pluginconfig.Revision, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			out[cfg.ID] = cfg.Revision()
		}
	}
	return out
}
