package ingest

import (
	xerrors "OpenPlugin-Server/internal/errors"
)

const (
	CodeEventDecode   xerrors.Code = "INGEST_EVENT_DECODE"
	CodeEventPublish  xerrors.Code = "INGEST_EVENT_PUBLISH"
	CodeEventRejected xerrors.Code = "INGEST_EVENT_REJECTED"
)

func init() {
	xerrors.Register(CodeEventDecode, xerrors.Attributes{
		Message:   "event payload could not be decoded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEventPublish, xerrors.Attributes{
		Message:   "processed event could not be published",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEventRejected, xerrors.Attributes{
		Message:   "event rejected by the plugin host",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
