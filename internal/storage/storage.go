// Package storage 为插件提供按配置隔离的持久化键值存储。
// 后端只负责按命名空间读写原始 JSON，值的编解码统一在 Scope 中完成。
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/pkg/plugin"
)

// Backend 抽象持久化后端，namespace 为插件配置 ID。
type Backend interface {
	Get(ctx context.Context, namespace int64, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, namespace int64, key string, value []byte) error
}

// Scoped 是绑定到单个配置的插件存储视图。
type Scoped struct {
	backend   Backend
	namespace int64
}

// Scope 返回指定配置的存储视图，同一配置的多个实例共享底层数据。
func Scope(backend Backend, configID int64) *Scoped {
	return &Scoped{backend: backend, namespace: configID}
}

var _ plugin.Storage = (*Scoped)(nil)

// Get 读取键值，不存在时返回 defaultValue。
func (s *Scoped) Get(ctx context.Context, key string, defaultValue any) (any, error) {
	raw, found, err := s.backend.Get(ctx, s.namespace, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取插件存储 %d/%s 失败", s.namespace, key))
	}
	if !found {
		return defaultValue, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析插件存储 %d/%s 失败", s.namespace, key))
	}
	return value, nil
}

// Set 以 JSON 形式写入键值，覆盖已有值。
func (s *Scoped) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("插件存储值 %s 无法序列化", key))
	}
	if err := s.backend.Set(ctx, s.namespace, key, raw); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入插件存储 %d/%s 失败", s.namespace, key))
	}
	return nil
}
