package runtime

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/errorsink"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/internal/storage"
	"OpenPlugin-Server/pkg/plugin"
)

// Instance 绑定某个配置版本的已加载插件，负责其生命周期状态机。
//
// 首次 Process 触发单飞初始化，并发调用等待同一次初始化的结果；
// Process 与 Teardown 共用 callMu，因此 Teardown 总在进行中的调用结束后执行。
type Instance struct {
	cfg      pluginconfig.Configuration
	revision pluginconfig.Revision
	s        *settings
	log      *slog.Logger

	mu           sync.Mutex
	state        State
	attempt      *initAttempt
	initErr      error
	teardownDone chan struct{}
	plugin       plugin.Plugin
	meta         *plugin.Meta
	storage      *trackedStorage

	callMu sync.Mutex
}

// initAttempt 是一次初始化的结果，由所有等待者共享。err 非空表示本次初始化因资源故障放弃，
// 实例已回到 Uninitialized。
type initAttempt struct {
	done chan struct{}
	err  error
}

func newInstance(cfg pluginconfig.Configuration, s *settings) *Instance {
	return &Instance{
		cfg:      cfg,
		revision: cfg.Revision(),
		s:        s,
		log:      s.logger.With(slog.Int64("plugin_config_id", cfg.ID), slog.String("plugin", cfg.Name)),
		state:    StateUninitialized,
	}
}

// Config 返回实例绑定的配置。
func (i *Instance) Config() pluginconfig.Configuration { return i.cfg }

// Revision 返回实例绑定的配置版本。
func (i *Instance) Revision() pluginconfig.Revision { return i.revision }

// State 返回当前状态。
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Err 返回初始化失败的原因。
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initErr
}

// Retired 判断实例是否已被回收或丢弃。
func (i *Instance) Retired() bool {
	switch i.State() {
	case StateTearingDown, StateTornDown, StateDiscarded:
		return true
	}
	return false
}

// transition 必须在持有 mu 时调用。
func (i *Instance) transition(to State) error {
	from := i.state
	if !CanTransition(from, to) {
		err := transitionError(from, to)
		i.log.Error("插件实例状态迁移被拒绝", slog.Any("error", err))
		return err
	}
	i.state = to
	i.s.metrics.ObserveTransition(from.String(), to.String())
	i.log.Debug("插件实例状态迁移", slog.String("from", from.String()), slog.String("to", to.String()))
	return nil
}

// Process 让插件处理事件。插件失败时记录错误并返回原事件；
// 返回 nil 事件且无错误表示插件丢弃了该事件。
func (i *Instance) Process(ctx context.Context, event *plugin.Event) (*plugin.Event, error) {
	p, err := i.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		// 初始化失败的实例直接放行事件。
		return event, nil
	}

	i.callMu.Lock()
	defer i.callMu.Unlock()
	if st := i.State(); st != StateReady {
		return nil, ErrInstanceRetired
	}
	return i.invokeProcess(ctx, p, event)
}

func (i *Instance) ensureReady(ctx context.Context) (plugin.Plugin, error) {
	for {
		i.mu.Lock()
		switch i.state {
		case StateReady:
			p := i.plugin
			i.mu.Unlock()
			return p, nil
		case StateFailed:
			i.mu.Unlock()
			return nil, nil
		case StateTearingDown, StateTornDown, StateDiscarded:
			i.mu.Unlock()
			return nil, ErrInstanceRetired
		case StateUninitialized:
			if err := i.transition(StateInitializing); err != nil {
				i.mu.Unlock()
				return nil, err
			}
			attempt := &initAttempt{done: make(chan struct{})}
			i.attempt = attempt
			i.mu.Unlock()
			// 初始化结果被所有等待者共享，不受首个调用方取消的影响。
			i.initialize(context.WithoutCancel(ctx), attempt)
			if attempt.err != nil {
				return nil, attempt.err
			}
		case StateInitializing:
			attempt := i.attempt
			i.mu.Unlock()
			select {
			case <-attempt.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if attempt.err != nil {
				return nil, attempt.err
			}
		default:
			st := i.state
			i.mu.Unlock()
			return nil, transitionError(st, StateReady)
		}
	}
}

func (i *Instance) initialize(ctx context.Context, attempt *initAttempt) {
	defer close(attempt.done)
	start := time.Now()

	p, meta, loadErr := i.load(ctx)
	var setupErr error
	if loadErr == nil {
		if setupper, ok := p.(plugin.Setupper); ok {
			setupErr = i.guard(ctx, errorsink.StageSetup, func(callCtx context.Context) error {
				return setupper.SetupPlugin(callCtx, meta)
			})
		}
	}

	if storageErr := i.storage.failure(); setupErr != nil && storageErr != nil {
		i.abandonInitialization(ctx, p, setupErr, storageErr)
		attempt.err = storageErr
		return
	}

	i.mu.Lock()
	if loadErr != nil || setupErr != nil {
		cause := loadErr
		code := CodePluginLoadFailed
		if cause == nil {
			cause = setupErr
			code = CodePluginSetupFailed
		}
		i.initErr = xerrors.Wrap(code, cause, fmt.Sprintf("插件配置 %d 初始化失败", i.cfg.ID))
		_ = i.transition(StateFailed)
		i.mu.Unlock()

		// 失败的实例只释放资源，不调用 teardown。
		closePlugin(p)
		i.log.Warn("插件初始化失败，后续事件将直接放行", slog.Any("error", cause))
		i.record(ctx, errorsink.StageSetup, cause, "")
		if loadErr != nil {
			i.s.metrics.ObserveCall(errorsink.StageSetup, CallError, time.Since(start))
		}
		return
	}
	i.plugin = p
	i.meta = meta
	_ = i.transition(StateReady)
	i.mu.Unlock()
	i.log.Info("插件初始化完成", slog.Duration("elapsed", time.Since(start)))
}

// abandonInitialization 在 setup 因存储后端不可用失败时放弃本次初始化：
// 释放已加载的插件并回到 Uninitialized，由下一次调用重新初始化。
func (i *Instance) abandonInitialization(ctx context.Context, p plugin.Plugin, setupErr, storageErr error) {
	closePlugin(p)
	i.mu.Lock()
	i.plugin, i.meta, i.storage = nil, nil, nil
	_ = i.transition(StateUninitialized)
	i.mu.Unlock()
	i.log.Warn("存储后端不可用，插件初始化已放弃", slog.Any("error", storageErr))
	i.record(ctx, errorsink.StageSetup, setupErr, "")
}

func (i *Instance) load(ctx context.Context) (p plugin.Plugin, meta *plugin.Meta, err error) {
	req := plugin.LoadRequest{
		ConfigID:     i.cfg.ID,
		Name:         i.cfg.Name,
		Source:       i.cfg.Source,
		Capabilities: i.cfg.Capabilities,
		Logger:       i.log,
	}
	if err := i.s.isolation.Validate(req, i.s.policy); err != nil {
		return nil, nil, err
	}
	req.Capabilities = i.s.isolation.Grant(req, i.s.policy)

	if i.s.loader == nil {
		return nil, nil, stdErrors.New("未配置插件加载器")
	}
	defer func() {
		if r := recover(); r != nil {
			p, meta, err = nil, nil, &panicError{value: r}
		}
	}()
	p, err = i.s.loader.Load(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, stdErrors.New("插件加载器返回空插件")
	}

	meta = &plugin.Meta{
		ConfigID: i.cfg.ID,
		TeamID:   i.cfg.TeamID,
		Name:     i.cfg.Name,
		Config:   maps.Clone(i.cfg.Config),
		Logger:   i.log,
	}
	if req.Has(plugin.CapabilityStorage) && i.s.backend != nil {
		i.storage = &trackedStorage{inner: storage.Scope(i.s.backend, i.cfg.ID)}
		meta.Storage = i.storage
	}
	return p, meta, nil
}

func (i *Instance) invokeProcess(ctx context.Context, p plugin.Plugin, event *plugin.Event) (*plugin.Event, error) {
	i.storage.reset()
	var out *plugin.Event
	err := i.guard(ctx, errorsink.StageProcess, func(callCtx context.Context) error {
		var err error
		out, err = p.ProcessEvent(callCtx, event.Clone(), i.meta)
		return err
	})
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		// 调用方取消不属于插件故障。
		return nil, ctx.Err()
	}
	i.record(ctx, errorsink.StageProcess, err, event.UUID)
	if storageErr := i.storage.failure(); storageErr != nil {
		return nil, storageErr
	}
	i.log.Debug("插件处理事件失败，返回原事件", slog.Any("error", err), slog.String("event_uuid", event.UUID))
	return event, nil
}

// Teardown 回收实例，可重复调用。未初始化的实例只被丢弃，
// 初始化失败的实例只释放资源，均不调用插件的 teardown。
func (i *Instance) Teardown(ctx context.Context) {
	i.mu.Lock()
	for i.state == StateInitializing {
		done := i.attempt.done
		i.mu.Unlock()
		<-done
		i.mu.Lock()
	}
	switch i.state {
	case StateUninitialized:
		_ = i.transition(StateDiscarded)
		i.mu.Unlock()
		return
	case StateFailed:
		_ = i.transition(StateTornDown)
		i.mu.Unlock()
		return
	case StateTearingDown:
		done := i.teardownDone
		i.mu.Unlock()
		<-done
		return
	case StateTornDown, StateDiscarded:
		i.mu.Unlock()
		return
	}
	if err := i.transition(StateTearingDown); err != nil {
		i.mu.Unlock()
		return
	}
	done := make(chan struct{})
	i.teardownDone = done
	p, meta := i.plugin, i.meta
	i.mu.Unlock()
	defer close(done)

	i.callMu.Lock()
	defer i.callMu.Unlock()

	if tearDowner, ok := p.(plugin.TearDowner); ok {
		i.storage.reset()
		err := i.guard(ctx, errorsink.StageTeardown, func(callCtx context.Context) error {
			return tearDowner.TeardownPlugin(callCtx, meta)
		})
		if err != nil {
			i.log.Warn("插件 teardown 失败", slog.Any("error", err))
			i.record(ctx, errorsink.StageTeardown, err, "")
		}
	}
	closePlugin(p)

	i.mu.Lock()
	i.plugin = nil
	_ = i.transition(StateTornDown)
	i.mu.Unlock()
	i.log.Info("插件实例已回收")
}

// guard 执行一次插件调用：应用调用超时、恢复 panic 并记录指标。
func (i *Instance) guard(ctx context.Context, stage errorsink.Stage, call func(context.Context) error) (err error) {
	callCtx := ctx
	if i.s.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.s.callTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		status := CallOK
		if r := recover(); r != nil {
			err = &panicError{value: r}
			status = CallPanic
		} else if err != nil {
			status = CallError
			if callCtx.Err() != nil && ctx.Err() == nil {
				status = CallTimeout
				err = &timeoutError{stage: stage, timeout: i.s.callTimeout, cause: err}
			}
		}
		i.s.metrics.ObserveCall(stage, status, time.Since(start))
	}()
	return call(callCtx)
}

func (i *Instance) record(ctx context.Context, stage errorsink.Stage, err error, eventUUID string) {
	record := errorsink.Record{
		ConfigID:  i.cfg.ID,
		Message:   err.Error(),
		Name:      errorName(err),
		Stage:     stage,
		EventUUID: eventUUID,
		Time:      i.s.now(),
	}
	if sinkErr := i.s.sink.RecordError(context.WithoutCancel(ctx), record); sinkErr != nil {
		i.log.Error("写入插件错误记录失败", slog.Any("error", sinkErr), slog.String("stage", string(stage)))
	}
}

func closePlugin(p plugin.Plugin) {
	if closer, ok := p.(io.Closer); ok {
		_ = closer.Close()
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("%v", e.value) }

func (e *panicError) ErrorName() string { return "PanicError" }

type timeoutError struct {
	stage   errorsink.Stage
	timeout time.Duration
	cause   error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("plugin %s exceeded %s", e.stage, e.timeout)
}

func (e *timeoutError) Unwrap() error { return e.cause }

func (e *timeoutError) ErrorName() string { return "TimeoutError" }

func errorName(err error) string {
	var named interface{ ErrorName() string }
	if stdErrors.As(err, &named) {
		return named.ErrorName()
	}
	if coded, ok := xerrors.From(err); ok {
		return string(coded.Code())
	}
	return "Error"
}

// trackedStorage 记录插件调用期间存储后端是否不可用，用于区分资源故障与插件故障。
type trackedStorage struct {
	inner plugin.Storage

	mu     sync.Mutex
	failed error
}

func (t *trackedStorage) Get(ctx context.Context, key string, defaultValue any) (any, error) {
	v, err := t.inner.Get(ctx, key, defaultValue)
	t.observe(err)
	return v, err
}

func (t *trackedStorage) Set(ctx context.Context, key string, value any) error {
	err := t.inner.Set(ctx, key, value)
	t.observe(err)
	return err
}

func (t *trackedStorage) observe(err error) {
	if err == nil || !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		return
	}
	t.mu.Lock()
	t.failed = err
	t.mu.Unlock()
}

func (t *trackedStorage) reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.failed = nil
	t.mu.Unlock()
}

func (t *trackedStorage) failure() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}
