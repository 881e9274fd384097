package sandbox

import (
	"testing"
	"time"

	"github.com/hearthctl/hub/domain/entity"
)

func TestLuaGuestInitSetsState(t *testing.T) {
	host, sm := newTestHost(t, "init_plugin.lua")
	guest, err := newLuaGuest("init_plugin.lua", `
		function init()
			host.set_state("sensor.greeting", "ready", {from = "plugin"})
		end
	`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := guest.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	st, ok := sm.Get("sensor.greeting")
	if !ok || st.State != "ready" {
		t.Fatalf("expected sensor.greeting = ready, got %+v ok=%v", st, ok)
	}
	if st.Attributes["from"] != "plugin" {
		t.Fatalf("expected attribute from set_state to persist, got %+v", st.Attributes)
	}
}

func TestLuaGuestMissingEntrypointIsNotAnError(t *testing.T) {
	host, _ := newTestHost(t, "no_hooks.lua")
	guest, err := newLuaGuest("no_hooks.lua", `local x = 1`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := guest.Init(); err != nil {
		t.Fatalf("expected missing init() to be a no-op, got %v", err)
	}
	if err := guest.Poll(); err != nil {
		t.Fatalf("expected missing poll() to be a no-op, got %v", err)
	}
}

func TestLuaGuestOnStateChangedReceivesEventShape(t *testing.T) {
	host, sm := newTestHost(t, "watcher.lua")
	guest, err := newLuaGuest("watcher.lua", `
		function on_state_changed(entity_id, old_state, new_state)
			host.set_state("sensor.last_seen", entity_id, {new_value = new_state.state})
		end
	`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	evt := entity.ChangedEvent{EntityID: "light.kitchen", NewState: entity.State{State: "on"}}
	if err := guest.OnStateChanged(evt); err != nil {
		t.Fatalf("on_state_changed: %v", err)
	}
	st, ok := sm.Get("sensor.last_seen")
	if !ok || st.State != "light.kitchen" || st.Attributes["new_value"] != "on" {
		t.Fatalf("unexpected result state: %+v ok=%v", st, ok)
	}
}

func TestLuaGuestFuelExhaustionReturnsControl(t *testing.T) {
	host, _ := newTestHost(t, "runaway.lua")
	guest, err := newLuaGuest("runaway.lua", `
		function init()
			while true do end
		end
	`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	start := time.Now()
	err = guest.Init()
	elapsed := time.Since(start)
	if err != ErrFuelExhausted {
		t.Fatalf("expected fuel exhaustion, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected fuel window to bound the call, took %v", elapsed)
	}
}

func TestLuaGuestUnsafeLibraryIsUnavailable(t *testing.T) {
	host, _ := newTestHost(t, "escape.lua")
	guest, err := newLuaGuest("escape.lua", `
		function init()
			os.execute("echo unsafe")
		end
	`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := guest.Init(); err == nil {
		t.Fatal("expected calling the unopened os library to fail")
	}
}

func TestLuaGuestCallService(t *testing.T) {
	host, sm := newTestHost(t, "toggler.lua")
	sm.Set("switch.a", "off", nil, entity.NewContext())
	guest, err := newLuaGuest("toggler.lua", `
		function init()
			host.call_service("switch", "turn_on", {entity_id = "switch.a"})
		end
	`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := guest.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	st, ok := sm.Get("switch.a")
	if !ok || st.State != "on" {
		t.Fatalf("expected call_service to turn switch.a on, got %+v ok=%v", st, ok)
	}
}
