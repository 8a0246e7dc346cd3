package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Global function names a Lua plugin may define.
const (
	luaSetupFunc    = "setupPlugin"
	luaProcessFunc  = "processEvent"
	luaTeardownFunc = "teardownPlugin"
)

// LuaLoader compiles Lua plugin sources. Each Load creates an isolated interpreter state.
type LuaLoader struct {
	// ReadFile reads Path sources, os.ReadFile when nil.
	ReadFile func(name string) ([]byte, error)
	// CallStackSize bounds Lua recursion, gopher-lua's default when zero.
	CallStackSize int
}

// Load implements Loader.
func (l LuaLoader) Load(ctx context.Context, req LoadRequest) (Plugin, error) {
	code := req.Source.Code
	if code == "" {
		if req.Source.Path == "" {
			return nil, errors.New("lua plugin source is empty")
		}
		read := l.ReadFile
		if read == nil {
			read = os.ReadFile
		}
		data, err := read(req.Source.Path)
		if err != nil {
			return nil, fmt.Errorf("read lua plugin: %w", err)
		}
		code = string(data)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true, CallStackSize: l.CallStackSize})
	p := &luaPlugin{
		L:       L,
		chunk:   fmt.Sprintf("plugin_%d", req.ConfigID),
		console: req.Has(CapabilityConsole),
		logger:  req.Logger,
		ctx:     context.Background(),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if err := p.openLibs(req.Has(CapabilityOS)); err != nil {
		L.Close()
		return nil, fmt.Errorf("open lua libraries: %w", err)
	}

	fn, err := L.Load(strings.NewReader(code), p.chunk)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile lua plugin: %w", err)
	}
	L.SetContext(ctx)
	L.Push(fn)
	err = L.PCall(0, 0, nil)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, p.scriptError(ctx, err)
	}
	if L.GetGlobal(luaProcessFunc).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("lua plugin does not define %s", luaProcessFunc)
	}
	return p, nil
}

// ScriptError reports an error raised inside a script plugin.
type ScriptError struct {
	Message    string
	StackTrace string
	cause      error
}

func (e *ScriptError) Error() string { return e.Message }

// Unwrap exposes the Go error that interrupted the script, if any.
func (e *ScriptError) Unwrap() error { return e.cause }

// ErrorName classifies the error for error records.
func (e *ScriptError) ErrorName() string { return "LuaError" }

type luaPlugin struct {
	mu      sync.Mutex
	L       *lua.LState
	chunk   string
	console bool
	logger  *slog.Logger

	// ctx belongs to the call currently running, read by storage bindings.
	ctx       context.Context
	meta      *Meta
	metaTable *lua.LTable
	closed    bool
}

var errLuaPluginClosed = errors.New("lua plugin is closed")

func (p *luaPlugin) SetupPlugin(ctx context.Context, meta *Meta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errLuaPluginClosed
	}
	_, _, err := p.call(ctx, luaSetupFunc, p.metaFor(meta))
	return err
}

func (p *luaPlugin) ProcessEvent(ctx context.Context, event *Event, meta *Meta) (*Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errLuaPluginClosed
	}
	ret, defined, err := p.call(ctx, luaProcessFunc, toLuaValue(p.L, event.ToMap()), p.metaFor(meta))
	if err != nil {
		return nil, err
	}
	if !defined {
		return nil, fmt.Errorf("lua plugin does not define %s", luaProcessFunc)
	}
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case *lua.LTable:
		m, ok := toGoValue(v).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s must return an event table", luaProcessFunc)
		}
		return EventFromMap(m)
	default:
		return nil, fmt.Errorf("%s must return a table or nil, got %s", luaProcessFunc, ret.Type())
	}
}

func (p *luaPlugin) TeardownPlugin(ctx context.Context, meta *Meta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errLuaPluginClosed
	}
	_, _, err := p.call(ctx, luaTeardownFunc, p.metaFor(meta))
	return err
}

// Close releases the interpreter state.
func (p *luaPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.L.Close()
	}
	return nil
}

// call invokes a global function if it is defined.
func (p *luaPlugin) call(ctx context.Context, name string, args ...lua.LValue) (lua.LValue, bool, error) {
	fn := p.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return lua.LNil, false, nil
	}
	p.ctx = ctx
	p.L.SetContext(ctx)
	defer func() {
		p.L.RemoveContext()
		p.ctx = context.Background()
	}()

	top := p.L.GetTop()
	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		p.L.SetTop(top)
		return lua.LNil, true, p.scriptError(ctx, err)
	}
	ret := p.L.Get(-1)
	p.L.SetTop(top)
	return ret, true, nil
}

func (p *luaPlugin) scriptError(ctx context.Context, err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := err.Error()
	if apiErr.Object != nil && apiErr.Object != lua.LNil {
		msg = apiErr.Object.String()
	}
	// Drop the "plugin_<id>:<line>: " location prefix added by error().
	if rest, ok := strings.CutPrefix(msg, p.chunk+":"); ok {
		if _, after, found := strings.Cut(rest, ": "); found {
			msg = after
		}
	}
	cause := apiErr.Cause
	if cause == nil && ctx.Err() != nil {
		cause = ctx.Err()
	}
	return &ScriptError{Message: msg, StackTrace: apiErr.StackTrace, cause: cause}
}

func (p *luaPlugin) openLibs(withOS bool) error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	if withOS {
		libs = append(libs, struct {
			name string
			open lua.LGFunction
		}{lua.OsLibName, lua.OpenOs})
	}
	for _, lib := range libs {
		if err := p.L.CallByParam(lua.P{Fn: p.L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			return err
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		p.L.SetGlobal(name, lua.LNil)
	}
	if osTable, ok := p.L.GetGlobal(lua.OsLibName).(*lua.LTable); ok {
		for _, name := range []string{"execute", "exit", "remove", "rename", "getenv", "setenv", "tmpname", "setlocale"} {
			osTable.RawSetString(name, lua.LNil)
		}
	}
	p.L.SetGlobal("print", p.L.NewFunction(p.print))
	return nil
}

func (p *luaPlugin) print(L *lua.LState) int {
	if !p.console {
		return 0
	}
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	p.logger.Info("plugin console", slog.String("message", strings.Join(parts, " ")))
	return 0
}

// metaFor builds the Lua view of meta once per instance.
func (p *luaPlugin) metaFor(meta *Meta) lua.LValue {
	if meta == nil {
		return lua.LNil
	}
	if p.meta == meta && p.metaTable != nil {
		return p.metaTable
	}
	if meta.Logger != nil {
		p.logger = meta.Logger
	}
	tbl := p.L.NewTable()
	tbl.RawSetString("id", lua.LNumber(meta.ConfigID))
	tbl.RawSetString("team_id", lua.LNumber(meta.TeamID))
	tbl.RawSetString("name", lua.LString(meta.Name))
	cfg := meta.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	tbl.RawSetString("config", toLuaValue(p.L, cfg))
	if meta.Storage != nil {
		tbl.RawSetString("storage", p.storageTable(meta.Storage))
	}
	p.meta = meta
	p.metaTable = tbl
	return tbl
}

func (p *luaPlugin) storageTable(storage Storage) *lua.LTable {
	tbl := p.L.NewTable()
	// Accept both meta.storage.get(k) and meta.storage:get(k).
	argBase := func(L *lua.LState) int {
		if L.Get(1) == tbl {
			return 2
		}
		return 1
	}
	tbl.RawSetString("get", p.L.NewFunction(func(L *lua.LState) int {
		base := argBase(L)
		key := L.CheckString(base)
		def := toGoValue(L.Get(base + 1))
		value, err := storage.Get(p.ctx, key, def)
		if err != nil {
			L.RaiseError("storage get %q: %s", key, err.Error())
			return 0
		}
		L.Push(toLuaValue(L, value))
		return 1
	}))
	tbl.RawSetString("set", p.L.NewFunction(func(L *lua.LState) int {
		base := argBase(L)
		key := L.CheckString(base)
		value := toGoValue(L.Get(base + 1))
		if err := storage.Set(p.ctx, key, value); err != nil {
			L.RaiseError("storage set %q: %s", key, err.Error())
		}
		return 0
	}))
	return tbl
}
