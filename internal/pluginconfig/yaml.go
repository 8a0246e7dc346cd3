package pluginconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/pkg/plugin"
)

// FileConfig 是 YAML 配置文件的结构。
type FileConfig struct {
	PluginDir string          `yaml:"pluginDir"`
	Plugins   []Configuration `yaml:"plugins"`
}

// Validate 检查配置文件的一致性。
func (c FileConfig) Validate() error {
	seen := make(map[int64]struct{}, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.ID <= 0 {
			return fmt.Errorf("插件 %q 缺少有效的 id", p.Name)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("插件 id %d 重复", p.ID)
		}
		seen[p.ID] = struct{}{}
		if !p.Enabled {
			continue
		}
		if p.Source.Empty() {
			return fmt.Errorf("插件 %d 启用时必须指定 source", p.ID)
		}
	}
	return nil
}

// YAMLSource 每次 List 时重新读取 YAML 文件，便于轮询热加载。
// 未显式给出的 updatedAt 取配置文件的修改时间，pluginUpdatedAt 取插件文件的修改时间。
type YAMLSource struct {
	path string
}

// NewYAMLSource 创建基于文件的配置来源。
func NewYAMLSource(path string) (*YAMLSource, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	return &YAMLSource{path: path}, nil
}

// List 实现 Source。
func (s *YAMLSource) List(context.Context) ([]Configuration, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigSourceFailure, err, "读取插件配置文件失败")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigSourceFailure, err, "读取插件配置文件失败")
	}
	var file FileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析插件配置文件失败")
	}
	if err := file.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "插件配置文件校验失败")
	}

	baseDir := file.PluginDir
	if baseDir == "" {
		baseDir = filepath.Dir(s.path)
	} else if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(filepath.Dir(s.path), baseDir)
	}

	configs := make([]Configuration, 0, len(file.Plugins))
	for _, cfg := range file.Plugins {
		if cfg.UpdatedAt.IsZero() {
			cfg.UpdatedAt = info.ModTime()
		}
		if cfg.Source.Path != "" && cfg.Source.Kind != plugin.SourceStatic {
			if !filepath.IsAbs(cfg.Source.Path) {
				cfg.Source.Path = filepath.Join(baseDir, cfg.Source.Path)
			}
			if cfg.PluginUpdatedAt.IsZero() {
				if codeInfo, err := os.Stat(cfg.Source.Path); err == nil {
					cfg.PluginUpdatedAt = codeInfo.ModTime()
				}
			}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
