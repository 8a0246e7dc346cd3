package ingest

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/observability/alerting"
	"OpenPlugin-Server/internal/runtime"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

// Submitter 是处理器所需的宿主能力，*runtime.Host 实现该接口。
type Submitter interface {
	Submit(ctx context.Context, event *plugin.Event) (*plugin.Event, error)
}

// Observer 接收每条消息的处理结果，metrics.Collector 实现该接口。
type Observer interface {
	ObserveIngest(outcome string)
}

// 消息处理结果。
const (
	OutcomePublished = "published"
	OutcomeProcessed = "processed"
	OutcomeDropped   = "dropped"
	OutcomeInvalid   = "invalid"
	OutcomeRequeued  = "requeued"
	OutcomeRejected  = "rejected"
)

// Processor 负责从队列消费事件并交给插件宿主执行。
type Processor struct {
	host        Submitter
	consumer    Consumer
	output      Producer
	workerCount int
	logger      *slog.Logger
	observer    Observer
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithOutput 指定处理后事件的输出队列。未配置时处理结果只计数不投递。
func WithOutput(producer Producer) ProcessorOption {
	return func(p *Processor) {
		p.output = producer
	}
}

// WithObserver 配置处理结果观测器。
func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(host Submitter, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		host:        host,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("ingest")
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消或队列返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.host == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者或插件宿主")
	}
	p.logger.Info("事件摄取已启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// DecodeEvent 解析 JSON 事件，缺少 uuid 时自动生成。
func DecodeEvent(payload []byte) (*plugin.Event, error) {
	var event plugin.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, xerrors.Wrap(CodeEventDecode, err, "事件 JSON 解析失败")
	}
	event.EnsureUUID()
	return &event, nil
}

// handle 处理一条消息。返回错误表示消息应重新投递：宿主停机、资源故障与输出失败；
// 无法解析或被拒绝的消息只记录，不重投。
func (p *Processor) handle(ctx context.Context, payload []byte) error {
	event, err := DecodeEvent(payload)
	if err != nil {
		p.logger.Warn("丢弃无法解析的事件", slog.Any("error", err), slog.Int("bytes", len(payload)))
		p.observe(OutcomeInvalid)
		return nil
	}

	out, err := p.host.Submit(ctx, event)
	if err != nil {
		if shouldRequeue(err) {
			p.logger.Warn("事件处理失败，等待重新投递", slog.Any("error", err), slog.String("event_uuid", event.UUID))
			p.observe(OutcomeRequeued)
			return err
		}
		p.logger.Error("事件被插件宿主拒绝", slog.Any("error", err), slog.String("event_uuid", event.UUID))
		p.observe(OutcomeRejected)
		p.emitAlert(ctx, event, CodeEventRejected, err, "submit")
		return nil
	}
	if out == nil {
		p.logger.Debug("事件被插件丢弃", slog.String("event_uuid", event.UUID))
		p.observe(OutcomeDropped)
		return nil
	}
	if p.output == nil {
		p.observe(OutcomeProcessed)
		return nil
	}

	body, err := json.Marshal(out)
	if err != nil {
		p.logger.Error("序列化处理后的事件失败", slog.Any("error", err), slog.String("event_uuid", event.UUID))
		p.observe(OutcomeRejected)
		return nil
	}
	if err := p.output.Publish(ctx, body); err != nil {
		wrapped := xerrors.Wrap(CodeEventPublish, err, "投递处理后的事件失败")
		p.logger.Error("投递处理后的事件失败", slog.Any("error", wrapped), slog.String("event_uuid", event.UUID))
		p.observe(OutcomeRequeued)
		p.emitAlert(ctx, event, CodeEventPublish, wrapped, "publish")
		return wrapped
	}
	p.observe(OutcomePublished)
	return nil
}

func shouldRequeue(err error) bool {
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch xerrors.CodeOf(err) {
	case runtime.CodeHostStopped, xerrors.CodeShuttingDown:
		return true
	}
	return xerrors.RetryableError(err)
}

func (p *Processor) observe(outcome string) {
	if p.observer != nil {
		p.observer.ObserveIngest(outcome)
	}
}

func (p *Processor) emitAlert(ctx context.Context, event *plugin.Event, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	alert := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		Stage:      stage,
		EventUUID:  event.UUID,
		Metadata:   map[string]string{"cause_code": string(xerrors.CodeOf(cause))},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, alert); err != nil {
		p.logger.Warn("发送摄取告警失败", slog.Any("error", err), slog.String("event_uuid", event.UUID))
	}
}
