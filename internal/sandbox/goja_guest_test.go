package sandbox

import (
	"testing"
	"time"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/internal/registry"
	"github.com/hearthctl/hub/internal/statemachine"
)

func newTestHost(t *testing.T, plugin string) (*HostAPI, *statemachine.Store) {
	t.Helper()
	sm := statemachine.New(8, nil)
	reg := registry.New(registry.Config{StateMachine: sm})
	log := logging.New("test", "error", "json")
	return newHostAPI(plugin, sm, reg, log, 2*time.Second), sm
}

func TestGojaGuestInitSetsState(t *testing.T) {
	host, sm := newTestHost(t, "init_plugin.js")
	guest, err := newGojaGuest("init_plugin.js", `
		function init() {
			host.set_state("sensor.greeting", "ready", {from: "plugin"});
		}
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

func TestGojaGuestMissingEntrypointIsNotAnError(t *testing.T) {
	host, _ := newTestHost(t, "no_hooks.js")
	guest, err := newGojaGuest("no_hooks.js", `var x = 1;`, host)
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

func TestGojaGuestOnStateChangedReceivesEventShape(t *testing.T) {
	host, sm := newTestHost(t, "watcher.js")
	guest, err := newGojaGuest("watcher.js", `
		function on_state_changed(entity_id, old_state, new_state) {
			host.set_state("sensor.last_seen", entity_id, {new: new_state.state});
		}
	`, host)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sm.Set("light.kitchen", "on", nil, entity.NewContext())
	evt := entity.ChangedEvent{EntityID: "light.kitchen", NewState: entity.State{State: "on"}}
	if err := guest.OnStateChanged(evt); err != nil {
		t.Fatalf("on_state_changed: %v", err)
	}
	st, ok := sm.Get("sensor.last_seen")
	if !ok || st.State != "light.kitchen" || st.Attributes["new"] != "on" {
		t.Fatalf("unexpected result state: %+v ok=%v", st, ok)
	}
}

func TestGojaGuestFuelExhaustionReturnsControl(t *testing.T) {
	host, _ := newTestHost(t, "runaway.js")
	guest, err := newGojaGuest("runaway.js", `
		function init() {
			while (true) {}
		}
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

func TestGojaGuestCallService(t *testing.T) {
	host, sm := newTestHost(t, "toggler.js")
	sm.Set("switch.a", "off", nil, entity.NewContext())
	guest, err := newGojaGuest("toggler.js", `
		function init() {
			host.call_service("switch", "turn_on", {entity_id: "switch.a"});
		}
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
