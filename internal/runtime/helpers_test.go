package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenPlugin-Server/internal/errorsink"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/internal/storage"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

// tracker 统计每个插件实例的生命周期调用。
type tracker struct {
	mu        sync.Mutex
	built     int
	setups    map[int]int
	processes map[int]int
	teardowns map[int]int
	closes    map[int]int
}

func newTracker() *tracker {
	return &tracker{
		setups:    map[int]int{},
		processes: map[int]int{},
		teardowns: map[int]int{},
		closes:    map[int]int{},
	}
}

func (t *tracker) inc(m map[int]int, id int) {
	t.mu.Lock()
	m[id]++
	t.mu.Unlock()
}

func (t *tracker) count(m map[int]int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func (t *tracker) get(m map[int]int, id int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return m[id]
}

// trackedPlugin 是可定制行为的测试插件。
type trackedPlugin struct {
	id       int
	t        *tracker
	setup    func(ctx context.Context) error
	process  func(ctx context.Context, ev *plugin.Event) (*plugin.Event, error)
	teardown func(ctx context.Context) error
}

func (p *trackedPlugin) SetupPlugin(ctx context.Context, _ *plugin.Meta) error {
	p.t.inc(p.t.setups, p.id)
	if p.setup != nil {
		return p.setup(ctx)
	}
	return nil
}

func (p *trackedPlugin) ProcessEvent(ctx context.Context, ev *plugin.Event, _ *plugin.Meta) (*plugin.Event, error) {
	p.t.inc(p.t.processes, p.id)
	if p.process != nil {
		return p.process(ctx, ev)
	}
	if ev.Properties == nil {
		ev.Properties = map[string]any{}
	}
	ev.Properties["seen_by"] = p.id
	return ev, nil
}

func (p *trackedPlugin) TeardownPlugin(ctx context.Context, _ *plugin.Meta) error {
	p.t.inc(p.t.teardowns, p.id)
	if p.teardown != nil {
		return p.teardown(ctx)
	}
	return nil
}

func (p *trackedPlugin) Close() error {
	p.t.inc(p.t.closes, p.id)
	return nil
}

// trackedLoader 为每次 Load 构建新的 trackedPlugin，customize 可修改其行为。
func trackedLoader(t *tracker, customize func(p *trackedPlugin)) plugin.Loader {
	static := plugin.NewStaticLoader()
	static.Register("tracked", func(plugin.LoadRequest) (plugin.Plugin, error) {
		t.mu.Lock()
		t.built++
		id := t.built
		t.mu.Unlock()
		p := &trackedPlugin{id: id, t: t}
		if customize != nil {
			customize(p)
		}
		return p, nil
	})
	return static
}

func trackedConfig(id, team int64) pluginconfig.Configuration {
	return pluginconfig.Configuration{
		ID:        id,
		TeamID:    team,
		Name:      fmt.Sprintf("tracked-%d", id),
		Source:    plugin.Source{Kind: plugin.SourceStatic, Name: "tracked"},
		Enabled:   true,
		UpdatedAt: time.Unix(1_700_000_000, 0),
	}
}

func luaConfig(id, team int64, code string) pluginconfig.Configuration {
	return pluginconfig.Configuration{
		ID:        id,
		TeamID:    team,
		Name:      fmt.Sprintf("lua-%d", id),
		Source:    plugin.Source{Kind: plugin.SourceLua, Code: code},
		Enabled:   true,
		UpdatedAt: time.Unix(1_700_000_000, 0),
	}
}

func testOptions(sink errorsink.Sink, extra ...Option) []Option {
	opts := []Option{WithErrorSink(sink), WithLogger(logger.Discard())}
	return append(opts, extra...)
}

var errBoom = errors.New("boom")

type failingBackend struct {
	calls atomic.Int32
}

func (f *failingBackend) Get(context.Context, int64, string) ([]byte, bool, error) {
	f.calls.Add(1)
	return nil, false, errors.New("dial tcp 10.0.0.1:6379: connection refused")
}

func (f *failingBackend) Set(context.Context, int64, string, []byte) error {
	f.calls.Add(1)
	return errors.New("dial tcp 10.0.0.1:6379: connection refused")
}

// flakyBackend 在 down 置位时模拟后端不可用。
type flakyBackend struct {
	inner storage.Backend
	down  atomic.Bool
}

func (f *flakyBackend) Get(ctx context.Context, namespace int64, key string) ([]byte, bool, error) {
	if f.down.Load() {
		return nil, false, errors.New("dial tcp 10.0.0.1:6379: connection refused")
	}
	return f.inner.Get(ctx, namespace, key)
}

func (f *flakyBackend) Set(ctx context.Context, namespace int64, key string, value []byte) error {
	if f.down.Load() {
		return errors.New("dial tcp 10.0.0.1:6379: connection refused")
	}
	return f.inner.Set(ctx, namespace, key, value)
}

func newTestInstance(cfg pluginconfig.Configuration, loader plugin.Loader, opts ...Option) *Instance {
	return newInstance(cfg, newSettings(loader, opts))
}

func mustResolve(t *testing.T, reg *Registry, cfg pluginconfig.Configuration) *Instance {
	t.Helper()
	inst, err := reg.Resolve(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resolve config %d: %v", cfg.ID, err)
	}
	return inst
}

func mustEventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
