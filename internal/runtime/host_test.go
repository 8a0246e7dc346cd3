package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/errorsink"
	"OpenPlugin-Server/internal/pluginconfig"
	"OpenPlugin-Server/internal/storage"
	"OpenPlugin-Server/pkg/plugin"
)

func luaLoader() plugin.Loader {
	return plugin.MuxLoader{plugin.SourceLua: plugin.LuaLoader{}}
}

func newLuaHost(t *testing.T, src pluginconfig.Source, sink errorsink.Sink, backend storage.Backend, extra ...Option) *Host {
	t.Helper()
	opts := testOptions(sink, append([]Option{WithStorage(backend)}, extra...)...)
	h := NewHost(src, luaLoader(), opts...)
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	return h
}

func TestHostProcessesEventThroughLuaPlugin(t *testing.T) {
	src := pluginconfig.NewMemorySource(luaConfig(1, 2, `
function processEvent(event, meta)
  event.properties.processed = true
  return event
end`))
	h := newLuaHost(t, src, errorsink.NewMemorySink(), storage.NewMemoryBackend())

	out, err := h.Submit(context.Background(), &plugin.Event{
		UUID:       "u1",
		Event:      "pageview",
		TeamID:     2,
		Properties: map[string]any{"key": "value"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "value", "processed": true}, out.Properties)

	other, err := h.Submit(context.Background(), &plugin.Event{UUID: "u2", TeamID: 99})
	require.NoError(t, err)
	assert.Nil(t, other.Properties)
}

func TestHostRunsPluginsInConfigurationOrderAndStopsOnDrop(t *testing.T) {
	first := luaConfig(10, 1, `function processEvent(e) e.properties.trail = (e.properties.trail or "") .. "a" return e end`)
	first.Order = 1
	second := luaConfig(5, 1, `function processEvent(e) e.properties.trail = (e.properties.trail or "") .. "b" return e end`)
	second.Order = 2
	dropper := luaConfig(7, 1, `function processEvent(e) if e.event == "drop" then return nil end return e end`)
	dropper.Order = 3
	last := luaConfig(8, 1, `function processEvent(e) e.properties.trail = e.properties.trail .. "c" return e end`)
	last.Order = 4

	h := newLuaHost(t, pluginconfig.NewMemorySource(last, dropper, second, first), errorsink.NewMemorySink(), storage.NewMemoryBackend())

	out, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1, Event: "keep"})
	require.NoError(t, err)
	assert.Equal(t, "abc", out.Properties["trail"])

	out, err = h.Submit(context.Background(), &plugin.Event{TeamID: 1, Event: "drop"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHostStopRecordsThrowingTeardown(t *testing.T) {
	sink := errorsink.NewMemorySink()
	src := pluginconfig.NewMemorySource(luaConfig(3, 1, `
function processEvent(event) return event end
function teardownPlugin(meta) error("cleanup failed") end`))
	h := NewHost(src, luaLoader(), testOptions(sink)...)

	_, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1})
	require.NoError(t, err)

	require.NoError(t, h.Stop(context.Background()))
	record, ok := sink.Get(3)
	require.True(t, ok)
	assert.Equal(t, errorsink.StageTeardown, record.Stage)
	assert.Equal(t, "cleanup failed", record.Message)
	assert.Equal(t, "LuaError", record.Name)
}

func TestHostStopSkipsTeardownForNeverInvokedPlugin(t *testing.T) {
	backend := storage.NewMemoryBackend()
	src := pluginconfig.NewMemorySource(
		luaConfig(1, 1, `function processEvent(e) return e end`),
		luaConfig(2, 7, `
function processEvent(e) return e end
function teardownPlugin(meta) meta.storage.set("teardown", "ran") end`),
	)
	h := NewHost(src, luaLoader(), testOptions(errorsink.NewMemorySink(), WithStorage(backend))...)

	_, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1})
	require.NoError(t, err)
	require.NoError(t, h.Stop(context.Background()))

	v, err := storage.Scope(backend, 2).Get(context.Background(), "teardown", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestHostReloadRunsTeardownBeforeFreshInstance(t *testing.T) {
	backend := storage.NewMemoryBackend()
	code := `
function setupPlugin(meta)
  meta.storage.set("setups", meta.storage.get("setups", 0) + 1)
end
function processEvent(event, meta)
  event.properties.state = meta.storage.get("state", "fresh")
  event.properties.setups = meta.storage.get("setups", 0)
  return event
end
function teardownPlugin(meta)
  meta.storage.set("state", "torn down")
end`
	src := pluginconfig.NewMemorySource(luaConfig(1, 1, code))
	h := newLuaHost(t, src, errorsink.NewMemorySink(), backend)
	ctx := context.Background()

	out, err := h.Submit(ctx, &plugin.Event{TeamID: 1})
	require.NoError(t, err)
	assert.Equal(t, "fresh", out.Properties["state"])
	assert.Equal(t, int64(1), out.Properties["setups"])

	// 版本未变化时 reload 不影响实例。
	require.NoError(t, h.BroadcastReload(ctx))
	out, err = h.Submit(ctx, &plugin.Event{TeamID: 1})
	require.NoError(t, err)
	assert.Equal(t, "fresh", out.Properties["state"])
	assert.Equal(t, int64(1), out.Properties["setups"])

	src.Update(1, func(c *pluginconfig.Configuration) { c.Config = map[string]any{"v": 2} })
	require.NoError(t, h.BroadcastReload(ctx))

	out, err = h.Submit(ctx, &plugin.Event{TeamID: 1})
	require.NoError(t, err)
	assert.Equal(t, "torn down", out.Properties["state"])
	assert.Equal(t, int64(2), out.Properties["setups"])
}

func TestHostSubmitAfterStop(t *testing.T) {
	h := NewHost(pluginconfig.NewMemorySource(), luaLoader(), testOptions(errorsink.NewMemorySink())...)
	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))

	_, err := h.Submit(context.Background(), &plugin.Event{})
	assert.ErrorIs(t, err, ErrHostStopped)
	assert.ErrorIs(t, h.BroadcastReload(context.Background()), ErrHostStopped)
	assert.True(t, h.Stats().Stopping)
}

func TestHostStopDrainsInflightSubmissions(t *testing.T) {
	tr := newTracker()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	loader := trackedLoader(tr, func(p *trackedPlugin) {
		p.process = func(_ context.Context, ev *plugin.Event) (*plugin.Event, error) {
			entered <- struct{}{}
			<-release
			return ev, nil
		}
	})
	h := NewHost(pluginconfig.NewMemorySource(trackedConfig(1, 1)), loader, testOptions(errorsink.NewMemorySink())...)

	submitted := make(chan error, 1)
	go func() {
		_, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1})
		submitted <- err
	}()
	<-entered

	var wg sync.WaitGroup
	stopErrs := make([]error, 2)
	for n := range stopErrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopErrs[n] = h.Stop(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tr.count(tr.teardowns))

	close(release)
	require.NoError(t, <-submitted)
	wg.Wait()
	assert.NoError(t, stopErrs[0])
	assert.NoError(t, stopErrs[1])
	assert.Equal(t, 1, tr.count(tr.teardowns))

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestHostConfigSourceFailureReachesSubmitter(t *testing.T) {
	src := pluginconfig.SourceFunc(func(context.Context) ([]pluginconfig.Configuration, error) {
		return nil, errors.New("mysql: connection refused")
	})
	h := NewHost(pluginconfig.NewDeduplicated(src, pluginconfig.WithMaxElapsed(0)), luaLoader(), testOptions(errorsink.NewMemorySink())...)
	defer h.Stop(context.Background())

	_, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1})
	assert.Equal(t, xerrors.CodeConfigSourceFailure, xerrors.CodeOf(err))
	assert.Error(t, h.BroadcastReload(context.Background()))
	assert.Equal(t, int64(1), h.Stats().Failed)
}

func TestEachWorkerOwnsItsInstances(t *testing.T) {
	tr := newTracker()
	block := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	loader := trackedLoader(tr, func(p *trackedPlugin) {
		p.process = func(_ context.Context, ev *plugin.Event) (*plugin.Event, error) {
			started.Done()
			<-block
			return ev, nil
		}
	})
	h := NewHost(pluginconfig.NewMemorySource(trackedConfig(1, 1)), loader,
		testOptions(errorsink.NewMemorySink(), WithWorkers(2))...)

	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1})
			assert.NoError(t, err)
		}()
	}
	// 单个实例的调用串行执行，两个任务同时进入 process 说明它们运行在不同 worker 的实例上。
	started.Wait()
	close(block)
	wg.Wait()

	assert.Equal(t, 2, tr.built)
	assert.Equal(t, 2, tr.count(tr.setups))
	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, 2, tr.count(tr.teardowns))
}

func TestTasksPerWorkerSerializesCallsOnSharedInstance(t *testing.T) {
	tr := newTracker()
	var mu sync.Mutex
	active, peak := 0, 0
	loader := trackedLoader(tr, func(p *trackedPlugin) {
		p.process = func(_ context.Context, ev *plugin.Event) (*plugin.Event, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return ev, nil
		}
	})
	h := NewHost(pluginconfig.NewMemorySource(trackedConfig(1, 1)), loader,
		testOptions(errorsink.NewMemorySink(), WithWorkers(1), WithTasksPerWorker(4))...)
	defer h.Stop(context.Background())

	var wg sync.WaitGroup
	for n := 0; n < 12; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Submit(context.Background(), &plugin.Event{TeamID: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, tr.count(tr.setups))
	assert.Equal(t, 1, peak)
}

func TestHostStopWaitsForAbandonedPipelineBeforeTeardown(t *testing.T) {
	tr := newTracker()
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	loader := trackedLoader(tr, func(p *trackedPlugin) {
		if p.id != 1 {
			return
		}
		p.process = func(_ context.Context, ev *plugin.Event) (*plugin.Event, error) {
			entered <- struct{}{}
			<-release
			return ev, nil
		}
	})
	second := trackedConfig(2, 1)
	second.Order = 1
	h := NewHost(pluginconfig.NewMemorySource(trackedConfig(1, 1), second), loader, testOptions(errorsink.NewMemorySink())...)

	ctx, cancel := context.WithCancel(context.Background())
	submitted := make(chan error, 1)
	go func() {
		_, err := h.Submit(ctx, &plugin.Event{TeamID: 1})
		submitted <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-submitted, context.Canceled)

	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop(context.Background()) }()
	mustEventually(t, func() bool { return h.Stats().Stopping })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tr.count(tr.teardowns), "teardown must wait for the running pipeline")

	close(release)
	require.NoError(t, <-stopped)

	// 被放弃的流水线不会为后续插件创建实例，已创建的实例全部被回收。
	assert.Equal(t, 1, tr.built)
	assert.Equal(t, tr.count(tr.setups), tr.count(tr.teardowns))
	assert.Equal(t, 1, tr.count(tr.teardowns))
}

func TestHostTeardownSeesStorageWrittenDuringSetup(t *testing.T) {
	backend := storage.NewMemoryBackend()
	src := pluginconfig.NewMemorySource(luaConfig(3, 1, `
function setupPlugin(meta)
  meta.storage.set("greeting", "hello from setup")
end
function processEvent(event, meta)
  return event
end
function teardownPlugin(meta)
  meta.storage.set("teardown_saw", meta.storage.get("greeting", "missing"))
end`))
	sink := errorsink.NewMemorySink()
	h := newLuaHost(t, src, sink, backend)

	_, err := h.Submit(context.Background(), &plugin.Event{UUID: "u1", TeamID: 1})
	require.NoError(t, err)
	require.NoError(t, h.Stop(context.Background()))

	seen, err := storage.Scope(backend, 3).Get(context.Background(), "teardown_saw", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from setup", seen)
	_, recorded := sink.Get(3)
	assert.False(t, recorded)
}
