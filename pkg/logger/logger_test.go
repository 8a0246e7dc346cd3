package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestBuildHandlerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")
	handler, err := buildHandler("json", []string{path}, &slog.HandlerOptions{Level: slog.LevelInfo})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Sync() })

	slog.New(handler).Info("插件已加载", slog.Int64("plugin_config_id", 7))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &record))
	assert.Equal(t, "插件已加载", record["msg"])
	assert.EqualValues(t, 7, record["plugin_config_id"])
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	_, err := buildAuditLogger(AuditConfig{Enabled: true})
	assert.Error(t, err)
}

func TestBuildAuditLoggerTagsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	audit, err := buildAuditLogger(AuditConfig{Enabled: true, Path: path})
	require.NoError(t, err)

	audit.Info("插件宿主已停止")
	require.NoError(t, Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"log":"audit"`)
	assert.Contains(t, string(content), "插件宿主已停止")
}

func TestForPluginAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	previous := defaultLogger
	defaultLogger = base
	t.Cleanup(func() { defaultLogger = previous })

	ForPlugin("runtime", 42, "hello").Info("setup")

	out := buf.String()
	assert.Contains(t, out, "component=runtime")
	assert.Contains(t, out, "plugin_config_id=42")
	assert.Contains(t, out, "plugin=hello")
}

func TestDiscardDropsEverything(t *testing.T) {
	assert.False(t, Discard().Enabled(t.Context(), slog.LevelError))
}
