package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/hearthctl/hub/domain/entity"
)

// luaGuest is the script-guest flavor of §4.4's guest contract: a
// table-based VM with only the safe standard library subset loaded
// (base, table, string, math, coroutine). dynamic-load, filesystem,
// process, and package primitives are never registered with this
// *lua.LState, so a guest has no path to them no matter what it
// evaluates — gopher-lua has no separate utf8 library to load.
type luaGuest struct {
	name string
	L    *lua.LState
}

func newLuaGuest(name, source string, host *HostAPI) (*luaGuest, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		if err := L.PCall(1, 0, nil); err != nil {
			L.Close()
			return nil, fmt.Errorf("plugin %s: open %s: %w", name, lib.name, err)
		}
	}
	// The base library also registers file-loading and module primitives.
	for _, fn := range []string{"dofile", "loadfile", "require", "module"} {
		L.SetGlobal(fn, lua.LNil)
	}

	bindLuaHost(L, host)

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("plugin %s: load: %w", name, err)
	}
	return &luaGuest{name: name, L: L}, nil
}

func (g *luaGuest) Name() string { return g.name }

func (g *luaGuest) Init() error { return g.invoke("init") }

func (g *luaGuest) Poll() error { return g.invoke("poll") }

func (g *luaGuest) OnStateChanged(evt entity.ChangedEvent) error {
	return g.invoke("on_state_changed", g.changedEventArgs(evt)...)
}

func (g *luaGuest) changedEventArgs(evt entity.ChangedEvent) []lua.LValue {
	newState := g.L.NewTable()
	g.L.SetField(newState, "state", lua.LString(evt.NewState.State))
	g.L.SetField(newState, "attributes", mapToLuaTable(g.L, map[string]any(evt.NewState.Attributes)))

	oldState := lua.LValue(lua.LNil)
	if evt.OldState != nil {
		t := g.L.NewTable()
		g.L.SetField(t, "state", lua.LString(evt.OldState.State))
		g.L.SetField(t, "attributes", mapToLuaTable(g.L, map[string]any(evt.OldState.Attributes)))
		oldState = t
	}
	return []lua.LValue{lua.LString(evt.EntityID), oldState, newState}
}

// invoke uses gopher-lua's native context-based cancellation (checked at
// loop back-edges and call boundaries during execution) rather than the
// goja flavor's watchdog-goroutine Interrupt, since gopher-lua has no
// equivalent of goja's cross-goroutine interrupt call.
func (g *luaGuest) invoke(name string, args ...lua.LValue) error {
	fn := g.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), fuelWindow)
	defer cancel()
	g.L.SetContext(ctx)

	err := g.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return ErrFuelExhausted
	}
	return err
}

func bindLuaHost(L *lua.LState, host *HostAPI) {
	h := L.NewTable()

	L.SetField(h, "log", L.NewFunction(func(L *lua.LState) int {
		host.Log(L.CheckString(1), L.CheckString(2))
		return 0
	}))

	L.SetField(h, "get_state", L.NewFunction(func(L *lua.LState) int {
		state, attrs, ok := host.GetState(L.CheckString(1))
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		result := L.NewTable()
		L.SetField(result, "state", lua.LString(state))
		L.SetField(result, "attributes", mapToLuaTable(L, attrs))
		L.Push(result)
		return 1
	}))

	L.SetField(h, "set_state", L.NewFunction(func(L *lua.LState) int {
		entityID := L.CheckString(1)
		state := L.CheckString(2)
		var attrs map[string]any
		if tbl, ok := L.Get(3).(*lua.LTable); ok {
			attrs = luaTableToMap(tbl)
		}
		host.SetState(entityID, state, attrs)
		return 0
	}))

	L.SetField(h, "call_service", L.NewFunction(func(L *lua.LState) int {
		domain := L.CheckString(1)
		service := L.CheckString(2)
		var data map[string]any
		if tbl, ok := L.Get(3).(*lua.LTable); ok {
			data = luaTableToMap(tbl)
		}
		if err := host.CallService(domain, service, data); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		return 0
	}))

	L.SetField(h, "http_get", L.NewFunction(func(L *lua.LState) int {
		res := host.HTTPGet(L.CheckString(1))
		result := L.NewTable()
		L.SetField(result, "status", lua.LNumber(res.Status))
		L.SetField(result, "body", lua.LString(res.Body))
		L.Push(result)
		return 1
	}))

	L.SetField(h, "http_post", L.NewFunction(func(L *lua.LState) int {
		res := host.HTTPPost(L.CheckString(1), L.CheckString(2))
		result := L.NewTable()
		L.SetField(result, "status", lua.LNumber(res.Status))
		L.SetField(result, "body", lua.LString(res.Body))
		L.Push(result)
		return 1
	}))

	L.SetGlobal("host", h)
}

func mapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range m {
		L.SetField(t, k, goValueToLua(L, v))
	}
	return t
}

func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case map[string]any:
		return mapToLuaTable(L, val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(goValueToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaTableToMap(t *lua.LTable) map[string]any {
	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = luaValueToGo(v)
	})
	return m
}

func luaValueToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return luaTableToMap(val)
	default:
		return nil
	}
}
