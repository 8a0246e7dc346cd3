package plugin

import (
	"context"
	"errors"
	"fmt"
	goplugin "plugin"
	"sync"
)

// Loader resolves plugin sources into Plugin implementations. Every call must
// return a fresh, independent instance.
type Loader interface {
	Load(ctx context.Context, req LoadRequest) (Plugin, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Plugin` symbol implementing the Plugin interface.
// Exporting a `func() Plugin` factory is preferred since shared objects are only opened once per process.
func (GoPluginLoader) Load(_ context.Context, req LoadRequest) (Plugin, error) {
	path := req.Source.Path
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	switch p := symbol.(type) {
	case func() Plugin:
		return p(), nil
	case *func() Plugin:
		return (*p)(), nil
	case Plugin:
		return p, nil
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	default:
		return nil, errors.New("plugin symbol must implement plugin.Plugin")
	}
}

// Factory builds a new plugin for a static registration.
type Factory func(req LoadRequest) (Plugin, error)

// StaticLoader serves plugins compiled into the host binary.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStaticLoader constructs an empty registry of compiled-in plugins.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

// Register binds a factory to a name. Registering a name twice replaces the previous factory.
func (l *StaticLoader) Register(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

// Load implements Loader.
func (l *StaticLoader) Load(_ context.Context, req LoadRequest) (Plugin, error) {
	l.mu.RLock()
	factory, ok := l.factories[req.Source.Name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("static plugin %q is not registered", req.Source.Name)
	}
	p, err := factory(req)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("static plugin %q factory returned nil", req.Source.Name)
	}
	return p, nil
}

// MuxLoader dispatches to a loader by source kind.
type MuxLoader map[SourceKind]Loader

// Load implements Loader.
func (m MuxLoader) Load(ctx context.Context, req LoadRequest) (Plugin, error) {
	loader, ok := m[req.Source.Kind]
	if !ok || loader == nil {
		return nil, fmt.Errorf("no loader for plugin source kind %q", req.Source.Kind)
	}
	return loader.Load(ctx, req)
}
