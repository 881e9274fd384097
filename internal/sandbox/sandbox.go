// Package sandbox implements §4.4's Plugin Sandbox: a directory of
// guest scripts, each wrapped in its own VM and its own lock so that a
// plugin's init/poll/on_state_changed calls never run concurrently with
// each other, and loaded behind a fixed host API table (log, get_state,
// set_state, call_service, http_get, http_post) that is the only way a
// guest can reach the rest of the hub.
//
// Two guest flavors share this contract: a "compiled" goja/JS guest
// (goja_guest.go) standing in for a typed-bytecode linear-memory guest,
// and a "script" gopher-lua guest (lua_guest.go) with only a safe
// standard-library subset loaded. File extension selects the flavor:
// ".js" loads as goja, ".lua" loads as gopher-lua.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/infrastructure/metrics"
)

// Guest is the lifecycle contract both VM flavors implement.
type Guest interface {
	Name() string
	Init() error
	Poll() error
	OnStateChanged(evt entity.ChangedEvent) error
}

// pluginHandle wraps a loaded guest in its own lock, per §5's "the
// plugin sandbox wraps each guest in its own lock so plugin calls are
// serialized per-plugin" — two events for the same plugin never run its
// script concurrently, but different plugins run independently.
type pluginHandle struct {
	mu    sync.Mutex
	guest Guest
}

func (h *pluginHandle) init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guest.Init()
}

func (h *pluginHandle) poll() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guest.Poll()
}

func (h *pluginHandle) onStateChanged(evt entity.ChangedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.guest.OnStateChanged(evt)
}

// EventReceiver matches internal/statemachine.EventReceiver's shape,
// declared here so this package doesn't import internal/statemachine
// directly — it only needs the State Machine's public event-bus contract.
type EventReceiver interface {
	Events() <-chan entity.ChangedEvent
	Close()
}

// Config configures a Manager.
type Config struct {
	Dir          string
	StateMachine StateMachine
	Services     ServiceCaller
	Subscribe    func() EventReceiver
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	HTTPTimeout  time.Duration
	PollEvery    time.Duration
}

// Manager loads every recognized plugin file under Config.Dir, runs each
// one's init hook once, and then keeps it alive for the process lifetime:
// a poll ticker calls Poll on every loaded plugin, and a State Machine
// subscription fans every state-changed event out to OnStateChanged.
type Manager struct {
	cfg     Config
	plugins []*pluginHandle

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager scans cfg.Dir, loads every ".js"/".lua" file as a plugin, and
// runs each plugin's init hook. A plugin that fails to load or init is
// logged and skipped rather than aborting the whole directory scan.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 60 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{cfg: cfg}, nil
		}
		return nil, fmt.Errorf("sandbox: read plugin dir: %w", err)
	}

	m := &Manager{cfg: cfg}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".js" && ext != ".lua" {
			continue
		}

		handle, loadErr := m.load(filepath.Join(cfg.Dir, name), name, ext)
		if loadErr != nil {
			m.logError(name, "load", loadErr)
			continue
		}
		if initErr := handle.init(); initErr != nil {
			m.logInvocation(name, "init", initErr)
		}
		m.plugins = append(m.plugins, handle)
	}
	return m, nil
}

func (m *Manager) load(path, name, ext string) (*pluginHandle, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	host := newHostAPI(name, m.cfg.StateMachine, m.cfg.Services, m.cfg.Logger, m.cfg.HTTPTimeout)

	var guest Guest
	switch ext {
	case ".js":
		guest, err = newGojaGuest(name, string(source), host)
	case ".lua":
		guest, err = newLuaGuest(name, string(source), host)
	default:
		return nil, fmt.Errorf("unrecognized plugin extension %q", ext)
	}
	if err != nil {
		return nil, err
	}
	return &pluginHandle{guest: guest}, nil
}

// Start begins the poll ticker and, if cfg.Subscribe is set, the
// state-changed event bridge. Start is a no-op if no plugins loaded.
func (m *Manager) Start(ctx context.Context) {
	if len(m.plugins) == 0 {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runPollLoop(runCtx)
	}()

	if m.cfg.Subscribe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runEventLoop(runCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runResourceSampler(runCtx)
	}()

	go func() {
		wg.Wait()
		close(m.done)
	}()
}

// Stop cancels the poll ticker and event bridge and waits for both to
// exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Manager) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, handle := range m.plugins {
				if err := handle.poll(); err != nil {
					m.logInvocation(handle.guest.Name(), "poll", err)
				}
			}
		}
	}
}

func (m *Manager) runEventLoop(ctx context.Context) {
	recv := m.cfg.Subscribe()
	defer recv.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-recv.Events():
			if !ok {
				return
			}
			for _, handle := range m.plugins {
				if err := handle.onStateChanged(evt); err != nil {
					m.logInvocation(handle.guest.Name(), "on_state_changed", err)
				}
			}
		}
	}
}

func (m *Manager) logInvocation(plugin, entrypoint string, err error) {
	start := time.Now()
	if m.cfg.Logger != nil {
		m.cfg.Logger.LogPluginInvocation(context.Background(), plugin, entrypoint, time.Since(start), err)
	}
	if err == ErrFuelExhausted && m.cfg.Metrics != nil {
		m.cfg.Metrics.RecordPluginFuelExhausted(plugin, entrypoint)
	}
}

func (m *Manager) logError(plugin, op string, err error) {
	if m.cfg.Logger == nil {
		return
	}
	m.cfg.Logger.Error(context.Background(), fmt.Sprintf("plugin %s", op), err, map[string]interface{}{"plugin": plugin})
}
