package runtime

import (
	stdErrors "errors"

	xerrors "OpenPlugin-Server/internal/errors"
)

const (
	CodePluginSetupFailed    xerrors.Code = "PLUGIN_SETUP_FAILED"
	CodePluginProcessFailed  xerrors.Code = "PLUGIN_PROCESS_FAILED"
	CodePluginTeardownFailed xerrors.Code = "PLUGIN_TEARDOWN_FAILED"
	CodePluginLoadFailed     xerrors.Code = "PLUGIN_LOAD_FAILED"
	CodeInstanceRetired      xerrors.Code = "INSTANCE_RETIRED"
	CodeInvalidTransition    xerrors.Code = "INVALID_TRANSITION"
	CodeHostStopped          xerrors.Code = "HOST_STOPPED"
)

var (
	// ErrInstanceRetired 表示实例已被 reload 或停机回收，调用方应重新解析实例。
	ErrInstanceRetired = xerrors.New(CodeInstanceRetired, "plugin instance retired")
	// ErrHostStopped 表示宿主已停止接收新任务。
	ErrHostStopped = xerrors.New(CodeHostStopped, "plugin host stopped")
	// ErrRegistryClosed 表示 worker 已回收全部实例，不再创建新实例。
	ErrRegistryClosed = xerrors.New(xerrors.CodeShuttingDown, "instance registry closed")
	// ErrPoolClosed 表示 worker 池已关闭。
	ErrPoolClosed = xerrors.New(xerrors.CodeShuttingDown, "worker pool closed")
)

func init() {
	xerrors.Register(CodePluginSetupFailed, xerrors.Attributes{
		Message:   "plugin setup failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePluginProcessFailed, xerrors.Attributes{
		Message:   "plugin failed to process event",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePluginTeardownFailed, xerrors.Attributes{
		Message:   "plugin teardown failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePluginLoadFailed, xerrors.Attributes{
		Message:   "plugin code could not be loaded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeInstanceRetired, xerrors.Attributes{
		Message:   "plugin instance retired",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid plugin instance state transition",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeHostStopped, xerrors.Attributes{
		Message:   "plugin host stopped",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsRetired 判断错误是否表示实例已被回收。
func IsRetired(err error) bool {
	return stdErrors.Is(err, ErrInstanceRetired)
}
