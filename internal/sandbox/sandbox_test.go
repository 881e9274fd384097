package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/internal/registry"
	"github.com/hearthctl/hub/internal/statemachine"
)

func writePluginFile(t *testing.T, dir, name, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644); err != nil {
		t.Fatalf("write plugin fixture: %v", err)
	}
}

func TestManagerLoadsBothGuestFlavorsAndRunsInit(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "from_js.js", `
		function init() { host.set_state("sensor.js_ran", "yes", {}); }
	`)
	writePluginFile(t, dir, "from_lua.lua", `
		function init() host.set_state("sensor.lua_ran", "yes", {}) end
	`)
	writePluginFile(t, dir, "ignored.txt", `not a plugin`)

	sm := statemachine.New(8, nil)
	reg := registry.New(registry.Config{StateMachine: sm})
	log := logging.New("test", "error", "json")

	mgr, err := NewManager(Config{
		Dir:          dir,
		StateMachine: sm,
		Services:     reg,
		Logger:       log,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if len(mgr.plugins) != 2 {
		t.Fatalf("expected 2 recognized plugins, got %d", len(mgr.plugins))
	}

	if st, ok := sm.Get("sensor.js_ran"); !ok || st.State != "yes" {
		t.Fatalf("expected js plugin init to have run, got %+v ok=%v", st, ok)
	}
	if st, ok := sm.Get("sensor.lua_ran"); !ok || st.State != "yes" {
		t.Fatalf("expected lua plugin init to have run, got %+v ok=%v", st, ok)
	}
}

func TestManagerMissingDirIsNotAnError(t *testing.T) {
	mgr, err := NewManager(Config{Dir: filepath.Join(t.TempDir(), "does_not_exist")})
	if err != nil {
		t.Fatalf("expected a missing plugin dir to be tolerated, got %v", err)
	}
	if len(mgr.plugins) != 0 {
		t.Fatalf("expected no plugins loaded, got %d", len(mgr.plugins))
	}
}

func TestManagerBridgesStateChangedEvents(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "watcher.js", `
		function on_state_changed(entity_id, old_state, new_state) {
			host.set_state("sensor.seen_" + entity_id, new_state.state, {});
		}
	`)

	sm := statemachine.New(8, nil)
	reg := registry.New(registry.Config{StateMachine: sm})
	log := logging.New("test", "error", "json")

	mgr, err := NewManager(Config{
		Dir:          dir,
		StateMachine: sm,
		Services:     reg,
		Logger:       log,
		Subscribe: func() EventReceiver {
			return sm.Subscribe()
		},
		PollEvery: time.Hour,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	defer func() {
		cancel()
		mgr.Stop()
	}()

	sm.Set("light.kitchen", "on", nil, entity.NewContext())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := sm.Get("sensor.seen_light.kitchen"); ok && st.State == "on" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected state-changed event to reach the watcher plugin within the deadline")
}
