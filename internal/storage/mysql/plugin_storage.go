package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"OpenPlugin-Server/internal/storage"
)

// PluginStorage 使用 plugin_storage 表实现 storage.Backend。
type PluginStorage struct {
	db *sql.DB
}

var _ storage.Backend = (*PluginStorage)(nil)

// NewPluginStorage 创建 MySQL 插件存储后端。
func NewPluginStorage(db *sql.DB) *PluginStorage {
	return &PluginStorage{db: db}
}

// Get 实现 storage.Backend。
func (s *PluginStorage) Get(ctx context.Context, namespace int64, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_storage WHERE plugin_config_id = ? AND storage_key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("查询插件存储失败: %w", err)
	}
	if value == nil {
		value = []byte("null")
	}
	return value, true, nil
}

// Set 实现 storage.Backend。
func (s *PluginStorage) Set(ctx context.Context, namespace int64, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_storage (plugin_config_id, storage_key, value) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE value = VALUES(value)`,
		namespace, key, value,
	)
	if err != nil {
		return fmt.Errorf("写入插件存储失败: %w", err)
	}
	return nil
}
