package runtime

import (
	"log/slog"
	"time"

	"OpenPlugin-Server/internal/errorsink"
	"OpenPlugin-Server/internal/storage"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

// Metrics 接收运行时的观测数据，observability/metrics.Collector 为默认实现。
type Metrics interface {
	ObserveCall(stage errorsink.Stage, status string, duration time.Duration)
	ObserveTransition(from, to string)
	ObserveEvent(outcome string)
	ObserveReload(retired int, err error)
	SetLiveInstances(worker int, count int)
}

// 调用结果与事件结果的取值。
const (
	CallOK      = "ok"
	CallError   = "error"
	CallPanic   = "panic"
	CallTimeout = "timeout"

	EventProcessed = "processed"
	EventDropped   = "dropped"
	EventFailed    = "failed"
)

type noopMetrics struct{}

func (noopMetrics) ObserveCall(errorsink.Stage, string, time.Duration) {}
func (noopMetrics) ObserveTransition(string, string)                  {}
func (noopMetrics) ObserveEvent(string)                               {}
func (noopMetrics) ObserveReload(int, error)                          {}
func (noopMetrics) SetLiveInstances(int, int)                         {}

type settings struct {
	loader         plugin.Loader
	workers        int
	tasksPerWorker int
	isolation      plugin.IsolationStrategy
	policy         plugin.IsolationPolicy
	backend        storage.Backend
	sink           errorsink.Sink
	metrics        Metrics
	logger         *slog.Logger
	callTimeout    time.Duration
	now            func() time.Time
}

// Option 定义运行时的可选配置，Host、Pool 与 Registry 共用。
type Option func(*settings)

// WithWorkers 设置 worker 数量。
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTasksPerWorker 设置单个 worker 可并发执行的任务数。
func WithTasksPerWorker(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.tasksPerWorker = n
		}
	}
}

// WithIsolation 指定能力校验策略与默认策略。
func WithIsolation(strategy plugin.IsolationStrategy, policy plugin.IsolationPolicy) Option {
	return func(s *settings) {
		s.isolation = plugin.NewIsolationStrategy(strategy)
		s.policy = policy
	}
}

// WithStorage 指定插件存储后端。
func WithStorage(backend storage.Backend) Option {
	return func(s *settings) {
		if backend != nil {
			s.backend = backend
		}
	}
}

// WithErrorSink 指定错误记录器。
func WithErrorSink(sink errorsink.Sink) Option {
	return func(s *settings) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithMetrics 指定指标收集器。
func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCallTimeout 为每次插件调用设置超时，默认不限制。超时按 process 失败处理。
func WithCallTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.callTimeout = d
	}
}

// WithClock 替换错误记录使用的时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func newSettings(loader plugin.Loader, opts []Option) *settings {
	s := &settings{
		loader:         loader,
		workers:        1,
		tasksPerWorker: 1,
		isolation:      plugin.NewIsolationStrategy(nil),
		backend:        storage.NewMemoryBackend(),
		sink:           errorsink.LogSink{},
		metrics:        noopMetrics{},
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("runtime")
	}
	return s
}
