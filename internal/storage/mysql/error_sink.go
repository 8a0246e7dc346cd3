package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/errorsink"
)

// ErrorSink 将最新的错误记录写入 plugin_configs.error 列，不改变配置版本。
type ErrorSink struct {
	db *sql.DB
}

var _ errorsink.Sink = (*ErrorSink)(nil)

// NewErrorSink 创建 MySQL 错误记录器。
func NewErrorSink(db *sql.DB) *ErrorSink {
	return &ErrorSink{db: db}
}

// RecordError 实现 errorsink.Sink。
func (s *ErrorSink) RecordError(ctx context.Context, record errorsink.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化错误记录失败")
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE plugin_configs SET error = ?, updated_at = updated_at WHERE id = ?`, payload, record.ConfigID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入插件错误记录失败")
	}
	return nil
}
