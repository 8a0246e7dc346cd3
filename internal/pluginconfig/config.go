// Package pluginconfig 定义插件配置模型与配置来源。
// 配置一经读取即视为不可变，worker 持有的是各自的快照副本。
package pluginconfig

import (
	"context"
	"maps"
	"slices"
	"sort"
	"time"

	"OpenPlugin-Server/pkg/plugin"
)

// Configuration 描述团队启用的一个插件配置。
type Configuration struct {
	ID              int64               `yaml:"id" json:"id"`
	TeamID          int64               `yaml:"teamId" json:"team_id"`
	PluginID        int64               `yaml:"pluginId" json:"plugin_id"`
	Name            string              `yaml:"name" json:"name"`
	Source          plugin.Source       `yaml:"source" json:"source"`
	Config          map[string]any      `yaml:"config" json:"config"`
	Capabilities    []plugin.Capability `yaml:"capabilities" json:"capabilities"`
	Enabled         bool                `yaml:"enabled" json:"enabled"`
	Order           int                 `yaml:"order" json:"order"`
	UpdatedAt       time.Time           `yaml:"updatedAt" json:"updated_at"`
	PluginUpdatedAt time.Time           `yaml:"pluginUpdatedAt" json:"plugin_updated_at"`
}

// Revision 标识配置版本，配置行或插件代码任一更新都会产生新版本。
type Revision struct {
	ConfigUpdatedAt int64
	PluginUpdatedAt int64
}

// Revision 返回当前配置的版本。
func (c Configuration) Revision() Revision {
	return Revision{
		ConfigUpdatedAt: c.UpdatedAt.UnixNano(),
		PluginUpdatedAt: c.PluginUpdatedAt.UnixNano(),
	}
}

// Clone 返回深拷贝，避免多个 worker 共享可变字段。
func (c Configuration) Clone() Configuration {
	out := c
	if c.Config != nil {
		out.Config = maps.Clone(c.Config)
	}
	out.Capabilities = slices.Clone(c.Capabilities)
	return out
}

// Source 是插件配置的只读来源。
type Source interface {
	List(ctx context.Context) ([]Configuration, error)
}

// SourceFunc 允许直接使用函数作为配置来源。
type SourceFunc func(ctx context.Context) ([]Configuration, error)

// List 实现 Source。
func (f SourceFunc) List(ctx context.Context) ([]Configuration, error) { return f(ctx) }

// Snapshot 是按团队索引的配置快照。
type Snapshot struct {
	byID   map[int64]Configuration
	byTeam map[int64][]Configuration
}

// NewSnapshot 复制配置并按 (Order, ID) 排序建立团队索引，仅收录启用的配置。
func NewSnapshot(configs []Configuration) *Snapshot {
	s := &Snapshot{
		byID:   make(map[int64]Configuration, len(configs)),
		byTeam: make(map[int64][]Configuration),
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		cp := cfg.Clone()
		s.byID[cp.ID] = cp
		s.byTeam[cp.TeamID] = append(s.byTeam[cp.TeamID], cp)
	}
	for team := range s.byTeam {
		list := s.byTeam[team]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Order != list[j].Order {
				return list[i].Order < list[j].Order
			}
			return list[i].ID < list[j].ID
		})
	}
	return s
}

// ForTeam 返回团队启用的配置，已按执行顺序排列。
func (s *Snapshot) ForTeam(teamID int64) []Configuration {
	if s == nil {
		return nil
	}
	return s.byTeam[teamID]
}

// Lookup 按配置 ID 查找启用的配置。
func (s *Snapshot) Lookup(id int64) (Configuration, bool) {
	if s == nil {
		return Configuration{}, false
	}
	cfg, ok := s.byID[id]
	return cfg, ok
}

// Len 返回快照中启用配置的数量。
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byID)
}
