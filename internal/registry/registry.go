// Package registry implements the Service Registry: dynamic dispatch for
// domain.service(entity_ids, data) calls, per §4.3. It is grounded on the
// original's dynamic HashMap<(domain,service), ServiceHandlerFn> registry
// (marge-core/src/services.rs), generalized from Rust closures over
// &StateMachine into Go handler funcs over the State Machine interface
// below, plus the teacher's metrics/logging wiring
// (infrastructure/service/base.go's CheckHealth/Logger idiom for borrowed
// collaborators).
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hearthctl/hub/domain/automation"
	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/errors"
	"github.com/hearthctl/hub/infrastructure/logging"
	"github.com/hearthctl/hub/infrastructure/metrics"
)

// StateMachine is the subset of internal/statemachine.Store the registry
// needs: reading current state before a handler runs, and applying the
// handler's result.
type StateMachine interface {
	Get(entityID string) (entity.State, bool)
	Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State
}

// AutomationTrigger is the narrow slice of internal/automationengine.Engine
// the registry needs to special-route automation.trigger calls without
// importing that package (which itself depends on a ServiceCaller shaped
// like this Registry — see automationengine.ServiceCaller).
type AutomationTrigger interface {
	TriggerByID(id string) bool
}

// ServiceCall is the normalized request handed to a registered Handler.
type ServiceCall struct {
	Domain   string
	Service  string
	EntityID string
	Data     map[string]any
}

// ServiceResult is what a Handler computes: the entity's next state and the
// attributes to persist alongside it.
type ServiceResult struct {
	State      string
	Attributes entity.Attributes
}

// Handler computes a ServiceResult for one target entity. It returns
// ok=false when the call does not produce a state change (buttons,
// notifications, and the automation/scene placeholders registered only so
// they show up in ListServices).
type Handler func(call ServiceCall, current entity.State, exists bool) (ServiceResult, bool)

type handlerKey struct {
	domain  string
	service string
}

// Registry is the Service Registry: domain.service dispatch over the State
// Machine, with an MQTT command bridge and special routing for
// automation.trigger / scene.turn_on, per §4.3.
type Registry struct {
	sm  StateMachine
	log *logging.Logger
	m   *metrics.Metrics

	mu       sync.RWMutex
	handlers map[handlerKey]Handler
	scenes   map[string]automation.Scene

	mqttMu      sync.RWMutex
	mqttTargets map[string]entity.MqttCommandTarget
	mqttTx      chan<- MqttPublish

	automationMu sync.RWMutex
	automation   AutomationTrigger
}

// Config carries the registry's construction-time collaborators.
type Config struct {
	StateMachine StateMachine
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
}

// New builds a Registry with every built-in handler already registered.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	r := &Registry{
		sm:          cfg.StateMachine,
		log:         cfg.Logger,
		m:           cfg.Metrics,
		handlers:    make(map[handlerKey]Handler),
		scenes:      make(map[string]automation.Scene),
		mqttTargets: make(map[string]entity.MqttCommandTarget),
	}
	registerBuiltins(r)
	return r
}

// Register installs a handler for (domain, service), overwriting any
// previous registration. Plugins can call this to extend the registry with
// custom domains (§4.4's call_service host function dispatches through the
// same table).
func (r *Registry) Register(domain, service string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{domain, service}] = h
}

// LoadScenes replaces the loaded scene set wholesale, the same
// whole-reload idiom internal/automationengine.LoadAutomations uses.
func (r *Registry) LoadScenes(scenes []automation.Scene) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenes = make(map[string]automation.Scene, len(scenes))
	for _, s := range scenes {
		r.scenes[s.ID] = s
	}
}

// SetAutomationTrigger wires the Automation Engine handle used to
// special-route automation.trigger calls (§4.3).
func (r *Registry) SetAutomationTrigger(engine AutomationTrigger) {
	r.automationMu.Lock()
	defer r.automationMu.Unlock()
	r.automation = engine
}

// RegisterMqttTarget binds an entity to an MQTT command target, the way
// discovery wires a sensor's command_topic (§6 expansion, grounded on
// marge-core/src/discovery.rs populating services.rs's mqtt_targets map).
func (r *Registry) RegisterMqttTarget(entityID string, target entity.MqttCommandTarget) {
	r.mqttMu.Lock()
	defer r.mqttMu.Unlock()
	r.mqttTargets[entityID] = target
}

// SetMqttTx wires the publish channel, per §4.3's set_mqtt_tx.
func (r *Registry) SetMqttTx(tx chan<- MqttPublish) {
	r.mqttMu.Lock()
	defer r.mqttMu.Unlock()
	r.mqttTx = tx
}

// Call dispatches domain.service against every entity id, applying each
// handler's result through the State Machine and collecting the resulting
// states, per §4.3. automation.trigger and scene.turn_on short-circuit to
// the Automation Engine / scene table directly, bypassing handler lookup.
func (r *Registry) Call(domain, service string, entityIDs []string, data map[string]any, callCtx entity.Context) ([]entity.State, error) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r.m != nil {
			r.m.RecordServiceCall(domain, service, status, time.Since(start))
		}
	}()

	if domain == "automation" && service == "trigger" {
		r.triggerAutomation(entityIDs, data)
		return nil, nil
	}
	if domain == "scene" && service == "turn_on" {
		for _, id := range entityIDs {
			r.applyScene(id, callCtx)
		}
		return nil, nil
	}

	r.mu.RLock()
	handler, hasHandler := r.handlers[handlerKey{domain, service}]
	r.mu.RUnlock()

	if !hasHandler && !isGenericService(service) {
		status = "not_registered"
		return nil, errors.ServiceNotRegistered(domain, service)
	}

	states := make([]entity.State, 0, len(entityIDs))
	for _, id := range entityIDs {
		current, exists := r.sm.Get(id)
		call := ServiceCall{Domain: domain, Service: service, EntityID: id, Data: data}

		var (
			result ServiceResult
			apply  bool
		)
		if hasHandler {
			result, apply = handler(call, current, exists)
		} else {
			result, apply = genericFallback(service, current, exists)
		}

		if apply {
			states = append(states, r.sm.Set(id, result.State, result.Attributes, callCtx))
		}
		r.publishMqttCommand(call)
	}
	return states, nil
}

func (r *Registry) triggerAutomation(entityIDs []string, data map[string]any) {
	id := firstEntityIDOrData(entityIDs, data, "entity_id")
	id = strings.TrimPrefix(id, "automation.")
	if id == "" {
		return
	}
	r.automationMu.RLock()
	engine := r.automation
	r.automationMu.RUnlock()
	if engine == nil {
		return
	}
	if !engine.TriggerByID(id) {
		r.log.Warn(context.Background(), "automation.trigger: unknown automation id", map[string]interface{}{"automation_id": id})
	}
}

// applyScene writes every entity in the scene under one shared context,
// derived once from callCtx, so the whole scene shares a single parent
// context id and the causing automation/call is still traceable per §3.
func (r *Registry) applyScene(sceneEntityID string, callCtx entity.Context) {
	id := strings.TrimPrefix(sceneEntityID, "scene.")
	r.mu.RLock()
	scene, ok := r.scenes[id]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn(context.Background(), "scene.turn_on: unknown scene", map[string]interface{}{"scene_id": id})
		return
	}
	sceneCtx := callCtx.Derive()
	for entityID, desired := range scene.Entities {
		current, _ := r.sm.Get(entityID)
		attrs := current.Attributes.Clone()
		if attrs == nil {
			attrs = entity.Attributes{}
		}
		for k, v := range desired.Attributes {
			attrs[k] = v
		}
		r.sm.Set(entityID, desired.State, attrs, sceneCtx)
	}
}

func firstEntityIDOrData(entityIDs []string, data map[string]any, key string) string {
	if len(entityIDs) > 0 && entityIDs[0] != "" {
		return entityIDs[0]
	}
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ListServices enumerates registered services grouped by domain, per §4.3's
// list_services().
func (r *Registry) ListServices() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for key := range r.handlers {
		out[key.domain] = append(out[key.domain], key.service)
	}
	for domain := range out {
		sort.Strings(out[domain])
	}
	return out
}
