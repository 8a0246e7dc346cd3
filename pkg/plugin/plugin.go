package plugin

import (
	"context"
	"log/slog"
)

// Plugin is the only entry point every plugin must provide.
type Plugin interface {
	// ProcessEvent transforms one event. Returning a nil event drops it from the pipeline.
	ProcessEvent(ctx context.Context, event *Event, meta *Meta) (*Event, error)
}

// Setupper is implemented by plugins that need to prepare state before the first event.
type Setupper interface {
	SetupPlugin(ctx context.Context, meta *Meta) error
}

// TearDowner is implemented by plugins that release state when their instance is discarded.
type TearDowner interface {
	TeardownPlugin(ctx context.Context, meta *Meta) error
}

// Storage is the durable key/value store scoped to one plugin configuration.
type Storage interface {
	Get(ctx context.Context, key string, defaultValue any) (any, error)
	Set(ctx context.Context, key string, value any) error
}

// Meta is handed to every lifecycle hook of a plugin instance.
type Meta struct {
	ConfigID int64
	TeamID   int64
	Name     string
	// Config is the plugin specific configuration block.
	Config map[string]any
	// Storage is nil when the storage capability was denied.
	Storage Storage
	Logger  *slog.Logger
}

// Funcs adapts plain functions to the plugin interfaces. Nil hooks are skipped.
type Funcs struct {
	Setup    func(ctx context.Context, meta *Meta) error
	Process  func(ctx context.Context, event *Event, meta *Meta) (*Event, error)
	Teardown func(ctx context.Context, meta *Meta) error
}

// ProcessEvent implements Plugin.
func (f *Funcs) ProcessEvent(ctx context.Context, event *Event, meta *Meta) (*Event, error) {
	if f.Process == nil {
		return event, nil
	}
	return f.Process(ctx, event, meta)
}

// SetupPlugin implements Setupper.
func (f *Funcs) SetupPlugin(ctx context.Context, meta *Meta) error {
	if f.Setup == nil {
		return nil
	}
	return f.Setup(ctx, meta)
}

// TeardownPlugin implements TearDowner.
func (f *Funcs) TeardownPlugin(ctx context.Context, meta *Meta) error {
	if f.Teardown == nil {
		return nil
	}
	return f.Teardown(ctx, meta)
}
