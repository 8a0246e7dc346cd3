// Package builtin 提供编译进宿主的插件，通过 StaticLoader 按名称注册。
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mitchellh/mapstructure"

	"OpenPlugin-Server/pkg/plugin"
)

// 内置插件名称，对应配置中 source.name。
const (
	PropertyDefaults = "property-defaults"
	EventFilter      = "event-filter"
)

// Register 将全部内置插件注册到 loader。
func Register(loader *plugin.StaticLoader) {
	loader.Register(PropertyDefaults, func(plugin.LoadRequest) (plugin.Plugin, error) {
		return &propertyDefaults{}, nil
	})
	loader.Register(EventFilter, func(plugin.LoadRequest) (plugin.Plugin, error) {
		return &eventFilter{}, nil
	})
}

// propertyDefaults 为事件补齐配置中声明的属性，已存在的属性保持不变。
type propertyDefaults struct {
	defaults map[string]any
}

func (p *propertyDefaults) SetupPlugin(_ context.Context, meta *plugin.Meta) error {
	raw, ok := meta.Config["properties"]
	if !ok {
		p.defaults = map[string]any{}
		return nil
	}
	switch value := raw.(type) {
	case map[string]any:
		p.defaults = value
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			return fmt.Errorf("decode properties: %w", err)
		}
		p.defaults = parsed
	default:
		return fmt.Errorf("properties must be an object, got %T", raw)
	}
	return nil
}

func (p *propertyDefaults) ProcessEvent(_ context.Context, event *plugin.Event, _ *plugin.Meta) (*plugin.Event, error) {
	if len(p.defaults) == 0 {
		return event, nil
	}
	if event.Properties == nil {
		event.Properties = make(map[string]any, len(p.defaults))
	}
	for key, value := range p.defaults {
		if _, exists := event.Properties[key]; !exists {
			event.Properties[key] = value
		}
	}
	return event, nil
}

// filterSettings 是 event-filter 的配置。
type filterSettings struct {
	Drop []string `mapstructure:"drop"`
	// CountDropped 为真时在 storage 的 dropped 键累计丢弃数量。
	CountDropped bool `mapstructure:"count_dropped"`
}

// eventFilter 丢弃名称在黑名单中的事件。
type eventFilter struct {
	settings filterSettings
}

func (f *eventFilter) SetupPlugin(_ context.Context, meta *plugin.Meta) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &f.settings,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(meta.Config); err != nil {
		return fmt.Errorf("decode event-filter config: %w", err)
	}
	if f.settings.CountDropped && meta.Storage == nil {
		return fmt.Errorf("count_dropped requires the storage capability")
	}
	return nil
}

func (f *eventFilter) ProcessEvent(ctx context.Context, event *plugin.Event, meta *plugin.Meta) (*plugin.Event, error) {
	if !slices.Contains(f.settings.Drop, event.Event) {
		return event, nil
	}
	if f.settings.CountDropped {
		current, err := meta.Storage.Get(ctx, "dropped", 0)
		if err != nil {
			return nil, err
		}
		if err := meta.Storage.Set(ctx, "dropped", toInt(current)+1); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
