package sandbox

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/hearthctl/hub/domain/entity"
)

// gojaGuest is the compiled-guest flavor of §4.4's guest contract. A real
// linear-memory bytecode guest would export memory plus optional
// init/poll/on_state_changed; goja's JS runtime plays that role here,
// loaded once at plugin-load time and reused across calls so
// module-level state (closures, globals the script sets up) persists
// between invocations the way a loaded module's globals would.
type gojaGuest struct {
	name string
	vm   *goja.Runtime
}

func newGojaGuest(name, source string, host *HostAPI) (*gojaGuest, error) {
	vm := goja.New()
	bindGojaHost(vm, host)
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("plugin %s: load: %w", name, err)
	}
	return &gojaGuest{name: name, vm: vm}, nil
}

func (g *gojaGuest) Name() string { return g.name }

func (g *gojaGuest) Init() error { return g.invoke("init") }

func (g *gojaGuest) Poll() error { return g.invoke("poll") }

func (g *gojaGuest) OnStateChanged(evt entity.ChangedEvent) error {
	m := changedEventToMap(evt)
	oldState := goja.Null()
	if old, ok := m["old_state"]; ok {
		oldState = g.vm.ToValue(old)
	}
	return g.invoke("on_state_changed", g.vm.ToValue(evt.EntityID), oldState, g.vm.ToValue(m["new_state"]))
}

func (g *gojaGuest) invoke(name string, args ...goja.Value) error {
	fnVal := g.vm.Get(name)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		return nil
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil
	}

	err := runWithFuel(func() { g.vm.Interrupt(ErrFuelExhausted) }, func() error {
		_, callErr := fn(goja.Undefined(), args...)
		return callErr
	})
	g.vm.ClearInterrupt()
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrFuelExhausted
	}
	return err
}

func changedEventToMap(evt entity.ChangedEvent) map[string]any {
	m := map[string]any{
		"entity_id": evt.EntityID,
		"new_state": map[string]any{
			"state":      evt.NewState.State,
			"attributes": map[string]any(evt.NewState.Attributes),
		},
	}
	if evt.OldState != nil {
		m["old_state"] = map[string]any{
			"state":      evt.OldState.State,
			"attributes": map[string]any(evt.OldState.Attributes),
		}
	}
	return m
}

func bindGojaHost(vm *goja.Runtime, host *HostAPI) {
	h := vm.NewObject()

	_ = h.Set("log", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return goja.Undefined()
		}
		host.Log(call.Arguments[0].String(), call.Arguments[1].String())
		return goja.Undefined()
	})

	_ = h.Set("get_state", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return goja.Null()
		}
		state, attrs, ok := host.GetState(call.Arguments[0].String())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(map[string]any{"state": state, "attributes": attrs})
	})

	_ = h.Set("set_state", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return goja.Undefined()
		}
		var attrs map[string]any
		if len(call.Arguments) > 2 {
			if m, ok := call.Arguments[2].Export().(map[string]any); ok {
				attrs = m
			}
		}
		host.SetState(call.Arguments[0].String(), call.Arguments[1].String(), attrs)
		return goja.Undefined()
	})

	_ = h.Set("call_service", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return goja.Undefined()
		}
		var data map[string]any
		if len(call.Arguments) > 2 {
			if m, ok := call.Arguments[2].Export().(map[string]any); ok {
				data = m
			}
		}
		if err := host.CallService(call.Arguments[0].String(), call.Arguments[1].String(), data); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return goja.Undefined()
	})

	_ = h.Set("http_get", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"status": 0, "body": "url required"})
		}
		res := host.HTTPGet(call.Arguments[0].String())
		return vm.ToValue(map[string]any{"status": res.Status, "body": res.Body})
	})

	_ = h.Set("http_post", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return vm.ToValue(map[string]any{"status": 0, "body": "url and body required"})
		}
		res := host.HTTPPost(call.Arguments[0].String(), call.Arguments[1].String())
		return vm.ToValue(map[string]any{"status": res.Status, "body": res.Body})
	})

	_ = vm.Set("host", h)
}
