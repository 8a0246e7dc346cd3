package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/pkg/plugin"
)

const listConfigsQuery = `SELECT c.id, c.team_id, c.plugin_id, p.name, p.source_kind,
       COALESCE(p.source_code, ''), COALESCE(p.source_path, ''), COALESCE(p.source_name, ''),
       p.capabilities, c.config, c.enabled, c.plugin_order, c.updated_at, p.updated_at
FROM plugin_configs c
JOIN plugins p ON p.id = c.plugin_id
ORDER BY c.team_id, c.plugin_order, c.id`

// ConfigSource 从 plugin_configs 与 plugins 表读取插件配置。
type ConfigSource struct {
	db *sql.DB
}

var _ pluginconfig.Source = (*ConfigSource)(nil)

// NewConfigSource 创建 MySQL 配置来源。
func NewConfigSource(db *sql.DB) *ConfigSource {
	return &ConfigSource{db: db}
}

// List 实现 pluginconfig.Source，包含已禁用的配置以便 reload 回收实例。
func (s *ConfigSource) List(ctx context.Context) ([]pluginconfig.Configuration, error) {
	rows, err := s.db.QueryContext(ctx, listConfigsQuery)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigSourceFailure, err, "查询插件配置失败")
	}
	defer rows.Close()

	var configs []pluginconfig.Configuration
	for rows.Next() {
		var (
			cfg             pluginconfig.Configuration
			kind            string
			capabilities    []byte
			settings        []byte
			updatedAt       time.Time
			pluginUpdatedAt time.Time
		)
		if err := rows.Scan(
			&cfg.ID, &cfg.TeamID, &cfg.PluginID, &cfg.Name, &kind,
			&cfg.Source.Code, &cfg.Source.Path, &cfg.Source.Name,
			&capabilities, &settings, &cfg.Enabled, &cfg.Order, &updatedAt, &pluginUpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfigSourceFailure, err, "解析插件配置失败")
		}
		cfg.Source.Kind = plugin.SourceKind(kind)
		cfg.UpdatedAt = updatedAt
		cfg.PluginUpdatedAt = pluginUpdatedAt
		if len(capabilities) > 0 {
			if err := json.Unmarshal(capabilities, &cfg.Capabilities); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("插件 %d capabilities 格式错误", cfg.PluginID))
			}
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &cfg.Config); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("插件配置 %d config 格式错误", cfg.ID))
			}
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigSourceFailure, err, "遍历插件配置失败")
	}
	return configs, nil
}
