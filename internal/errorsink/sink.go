// Package errorsink 持久化插件在 setup、process、teardown 阶段的错误记录。
// 每个插件配置只保留一条当前错误，新的错误覆盖旧记录，成功执行不会清除记录。
package errorsink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/observability/alerting"
	"OpenPlugin-Server/pkg/logger"
)

// Stage 标识错误发生的生命周期阶段。
type Stage string

const (
	StageSetup    Stage = "setup"
	StageProcess  Stage = "process"
	StageTeardown Stage = "teardown"
)

// Record 是一条插件错误记录。
type Record struct {
	ConfigID  int64     `json:"config_id"`
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	Stage     Stage     `json:"stage"`
	EventUUID string    `json:"event_uuid,omitempty"`
	Time      time.Time `json:"time"`
}

// Sink 接收错误记录。
type Sink interface {
	RecordError(ctx context.Context, record Record) error
}

// MemorySink 在内存中为每个配置保存最新的错误记录。
type MemorySink struct {
	mu      sync.RWMutex
	records map[int64]Record
	count   map[int64]int
}

// NewMemorySink 创建内存错误记录器。
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[int64]Record), count: make(map[int64]int)}
}

// RecordError 实现 Sink。
func (m *MemorySink) RecordError(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ConfigID] = record
	m.count[record.ConfigID]++
	return nil
}

// Get 返回配置当前的错误记录。
func (m *MemorySink) Get(configID int64) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[configID]
	return record, ok
}

// Count 返回配置累计写入的错误次数。
func (m *MemorySink) Count(configID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count[configID]
}

// LogSink 将错误记录写入审计日志。
type LogSink struct{}

// RecordError 实现 Sink。
func (LogSink) RecordError(_ context.Context, record Record) error {
	logger.Audit().Warn("插件执行错误",
		slog.Int64("plugin_config_id", record.ConfigID),
		slog.String("stage", string(record.Stage)),
		slog.String("name", record.Name),
		slog.String("message", record.Message),
		slog.String("event_uuid", record.EventUUID),
	)
	return nil
}

// Multi 依次写入多个 Sink，所有 Sink 都会被调用。
type Multi []Sink

// RecordError 实现 Sink。
func (m Multi) RecordError(ctx context.Context, record Record) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		errs = append(errs, sink.RecordError(ctx, record))
	}
	return errors.Join(errs...)
}

// Retrying 对可重试的写入失败做指数退避重试。
type Retrying struct {
	Sink       Sink
	MaxElapsed time.Duration
}

// RecordError 实现 Sink。
func (r Retrying) RecordError(ctx context.Context, record Record) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxElapsedTime = r.MaxElapsed
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = 2 * time.Second
	}
	return backoff.Retry(func() error {
		err := r.Sink.RecordError(ctx, record)
		if err != nil && !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// Alerting 在写入错误记录后按阶段转换为告警事件。
// 记录写入失败时告警升级为 critical，即使该阶段的错误码默认不告警。
type Alerting struct {
	Sink       Sink
	Dispatcher alerting.Dispatcher
	// Codes 将阶段映射到错误码，决定告警级别。
	Codes map[Stage]xerrors.Code
	// Plugins 用于把配置 ID 翻译为插件名称，可为空。
	Plugins func(configID int64) string
}

// RecordError 实现 Sink。
func (a Alerting) RecordError(ctx context.Context, record Record) error {
	err := a.Sink.RecordError(ctx, record)
	if a.Dispatcher == nil {
		return err
	}
	alertErr := a.classify(record, err)
	if !xerrors.ShouldAlert(alertErr) {
		return err
	}
	event := alerting.Event{
		Code:       alertErr.Code(),
		Message:    record.Message,
		Severity:   xerrors.SeverityOf(alertErr),
		ConfigID:   record.ConfigID,
		Stage:      string(record.Stage),
		EventUUID:  record.EventUUID,
		OccurredAt: record.Time,
		Metadata:   alertErr.Metadata(),
	}
	if a.Plugins != nil {
		event.Plugin = a.Plugins(record.ConfigID)
	}
	if notifyErr := a.Dispatcher.Notify(ctx, event); notifyErr != nil {
		logger.Named("errorsink").Warn("发送插件告警失败", slog.Any("error", notifyErr))
	}
	return err
}

// classify 将记录转换为带错误码的错误，告警开关与级别取错误码的默认属性。
func (a Alerting) classify(record Record, sinkErr error) *xerrors.Error {
	code, ok := a.Codes[record.Stage]
	if !ok {
		code = xerrors.CodeUnknown
	}
	opts := []xerrors.Option{xerrors.WithMetadata("name", record.Name)}
	if sinkErr != nil {
		opts = append(opts,
			xerrors.WithAlert(true),
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("sink_error", sinkErr.Error()))
	}
	return xerrors.New(code, record.Message, opts...)
}
