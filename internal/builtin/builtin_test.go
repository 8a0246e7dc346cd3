package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenPlugin-Server/internal/storage"
	"OpenPlugin-Server/pkg/plugin"
)

func load(t *testing.T, name string) plugin.Plugin {
	t.Helper()
	loader := plugin.NewStaticLoader()
	Register(loader)
	p, err := loader.Load(context.Background(), plugin.LoadRequest{
		Source: plugin.Source{Kind: plugin.SourceStatic, Name: name},
	})
	require.NoError(t, err)
	return p
}

func TestPropertyDefaultsKeepsExistingValues(t *testing.T) {
	p := load(t, PropertyDefaults)
	meta := &plugin.Meta{Config: map[string]any{"properties": map[string]any{"source": "web", "key": "default"}}}
	require.NoError(t, p.(plugin.Setupper).SetupPlugin(context.Background(), meta))

	out, err := p.ProcessEvent(context.Background(), &plugin.Event{Properties: map[string]any{"key": "value"}}, meta)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "value", "source": "web"}, out.Properties)

	out, err = p.ProcessEvent(context.Background(), &plugin.Event{}, meta)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "default", "source": "web"}, out.Properties)
}

func TestPropertyDefaultsAcceptsJSONString(t *testing.T) {
	p := load(t, PropertyDefaults)
	meta := &plugin.Meta{Config: map[string]any{"properties": `{"lib":"go"}`}}
	require.NoError(t, p.(plugin.Setupper).SetupPlugin(context.Background(), meta))

	bad := &plugin.Meta{Config: map[string]any{"properties": []any{1}}}
	assert.Error(t, load(t, PropertyDefaults).(plugin.Setupper).SetupPlugin(context.Background(), bad))
}

func TestEventFilterDropsAndCounts(t *testing.T) {
	p := load(t, EventFilter)
	meta := &plugin.Meta{
		ConfigID: 9,
		Config:   map[string]any{"drop": []any{"$bot"}, "count_dropped": "true"},
		Storage:  storage.Scope(storage.NewMemoryBackend(), 9),
	}
	require.NoError(t, p.(plugin.Setupper).SetupPlugin(context.Background(), meta))

	out, err := p.ProcessEvent(context.Background(), &plugin.Event{Event: "pageview"}, meta)
	require.NoError(t, err)
	assert.NotNil(t, out)

	for n := 0; n < 2; n++ {
		out, err = p.ProcessEvent(context.Background(), &plugin.Event{Event: "$bot"}, meta)
		require.NoError(t, err)
		assert.Nil(t, out)
	}
	dropped, err := meta.Storage.Get(context.Background(), "dropped", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, dropped)
}

func TestEventFilterRejectsUnknownSettings(t *testing.T) {
	p := load(t, EventFilter)
	meta := &plugin.Meta{Config: map[string]any{"dorp": []any{"x"}}}
	assert.Error(t, p.(plugin.Setupper).SetupPlugin(context.Background(), meta))

	noStorage := &plugin.Meta{Config: map[string]any{"count_dropped": true}}
	assert.Error(t, load(t, EventFilter).(plugin.Setupper).SetupPlugin(context.Background(), noStorage))
}
