// Command hub boots every core component and the three transport
// surfaces (REST, WebSocket, MQTT bridge) and runs until terminated,
// following the teacher's cmd/appserver/main.go shape: parse flags,
// load config, wire dependencies bottom-up, listen, wait on a signal,
// shut down with a bounded grace period.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearthctl/hub/applications/httpapi"
	"github.com/hearthctl/hub/applications/wsapi"
	"github.com/hearthctl/hub/domain/automation"
	"github.com/hearthctl/hub/infrastructure/config"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/infrastructure/metrics"
	"github.com/hearthctl/hub/internal/automationengine"
	"github.com/hearthctl/hub/internal/journal"
	"github.com/hearthctl/hub/internal/registry"
	"github.com/hearthctl/hub/internal/sandbox"
	"github.com/hearthctl/hub/internal/statemachine"
	"github.com/hearthctl/hub/internal/template"
)

func main() {
	configPath := flag.String("config", "hub.yaml", "path to the hub's YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadHubConfig(*configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", *configPath, err)
	}

	hublog := logging.NewFromEnv("hub")
	met := metrics.New("hub")

	sm := statemachine.New(cfg.EventBus.Capacity, met)
	reg := registry.New(registry.Config{StateMachine: sm, Logger: hublog, Metrics: met})
	renderer := template.New(sm)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jr *journal.Journal
	if cfg.Database.DSN != "" {
		jr, err = journal.Open(rootCtx, journal.Config{
			DSN:           cfg.Database.DSN,
			RetentionDays: cfg.Journal.RetentionDays,
			Logger:        hublog,
		})
		if err != nil {
			hublog.Error(rootCtx, "open journal", err, nil)
			os.Exit(1)
		}
		if err := jr.Replay(rootCtx, sm); err != nil {
			hublog.Error(rootCtx, "replay journal", err, nil)
			os.Exit(1)
		}
		jr.Start(rootCtx)
		defer jr.Close()

		recv := sm.Subscribe()
		go func() {
			defer recv.Close()
			for {
				select {
				case <-rootCtx.Done():
					return
				case evt, ok := <-recv.Events():
					if !ok {
						return
					}
					jr.Enqueue(evt)
				}
			}
		}()
	}

	engine := automationengine.New(automationengine.Config{
		StateMachine: automationengine.StoreAdapter{Store: sm},
		Services:     reg,
		Renderer:     renderer,
		Logger:       hublog,
		Location: automationengine.Location{
			Latitude:       cfg.Location.Latitude,
			Longitude:      cfg.Location.Longitude,
			TimezoneOffset: cfg.Location.TimezoneOffset,
		},
		SimSpeed: cfg.SimSpeed,
	})
	reg.SetAutomationTrigger(engine)

	if cfg.AutomationsFile != "" {
		autos, err := loadAutomations(cfg.AutomationsFile)
		if err != nil {
			hublog.Error(rootCtx, "load automations", err, nil)
			os.Exit(1)
		}
		engine.LoadAutomations(autos)
	}
	if cfg.ScenesFile != "" {
		scenes, err := loadScenes(cfg.ScenesFile)
		if err != nil {
			hublog.Error(rootCtx, "load scenes", err, nil)
			os.Exit(1)
		}
		reg.LoadScenes(scenes)
	}

	go engine.Subscribe(rootCtx)
	go engine.RunTimeLoop(rootCtx)

	if cfg.Plugins.Directory != "" {
		pollEvery := 60 * time.Second
		if d, err := time.ParseDuration(cfg.Plugins.PollInterval); err == nil && d > 0 {
			pollEvery = d
		}
		mgr, err := sandbox.NewManager(sandbox.Config{
			Dir:          cfg.Plugins.Directory,
			StateMachine: sm,
			Services:     reg,
			Logger:       hublog,
			Metrics:      met,
			PollEvery:    pollEvery,
			Subscribe: func() sandbox.EventReceiver {
				return sm.Subscribe()
			},
		})
		if err != nil {
			hublog.Error(rootCtx, "load plugins", err, nil)
			os.Exit(1)
		}
		mgr.Start(rootCtx)
		defer mgr.Stop()
	}

	var jwtSecret []byte
	if envVar := cfg.Auth.JWTSecretEnvVar; envVar != "" {
		jwtSecret = []byte(os.Getenv(envVar))
	}
	var token string
	if envVar := cfg.Auth.TokenEnvVar; envVar != "" {
		token = os.Getenv(envVar)
	}

	mux := http.NewServeMux()
	handler := httpapi.NewHandler(sm, engine, reg)
	handler.Mount(mux, token, jwtSecret)
	mux.Handle("/ws", wsapi.NewHandler(sm, token))

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: httpapi.Harden(handler.WrapAudit(mux), hublog)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hublog.Error(rootCtx, "http server", err, nil)
		}
	}()
	hublog.Info(rootCtx, fmt.Sprintf("hub listening on %s", cfg.HTTP.Addr), nil)

	// mqttbridge.New(sm, reg, renderer, subscriber) wires a running MQTT
	// client's Publisher/Subscriber into the bridge; no broker connection
	// is established here since embedding a broker is out of scope.

	<-rootCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		hublog.Error(context.Background(), "http shutdown", err, nil)
	}
}

func loadAutomations(path string) ([]automation.Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read automations file: %w", err)
	}
	var doc struct {
		Automations []automation.Automation `yaml:"automations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse automations file: %w", err)
	}
	return doc.Automations, nil
}

func loadScenes(path string) ([]automation.Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenes file: %w", err)
	}
	var doc struct {
		Scenes []automation.Scene `yaml:"scenes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scenes file: %w", err)
	}
	return doc.Scenes, nil
}
