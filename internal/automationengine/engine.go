// Package automationengine evaluates the declarative rule set: matching
// triggers against state-changed events, named events, and time/sun/cron
// boundaries, gating on conditions, and running action sequences, per §4.2.
// The run-loop shape is grounded on the teacher's automation Scheduler
// (internal/app/services/automation/scheduler.go), generalized from a
// fixed-interval job poller into a 500ms trigger-matching tick plus an
// event-driven path fed by the State Machine's subscription.
package automationengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearthctl/hub/domain/automation"
	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/infrastructure/logging"
)

// StateMachine is the subset of the State Machine's contract the engine
// needs: reading state for conditions/triggers and subscribing to changes.
type StateMachine interface {
	Get(entityID string) (entity.State, bool)
	Subscribe() EventReceiver
}

// EventReceiver matches internal/statemachine.EventReceiver's shape without
// importing the concrete type, so the engine can be tested against a fake
// bus.
type EventReceiver interface {
	Events() <-chan entity.ChangedEvent
	Close()
}

// ServiceCaller is the subset of the Service Registry's contract used by
// service-call and scene actions; it matches applications/httpapi's
// ServiceRegistry interface so a single internal/registry.Registry value
// satisfies both call sites.
type ServiceCaller interface {
	Call(domain, service string, entityIDs []string, data map[string]any, callCtx entity.Context) ([]entity.State, error)
}

// TemplateRenderer evaluates a Jinja2-subset expression against a variable
// scope, per §4.5. Implemented by internal/template.
type TemplateRenderer interface {
	Render(tmpl string, vars map[string]any) (string, error)
}

// Location is the observer position used by the solar calculation.
type Location struct {
	Latitude       float64
	Longitude      float64
	TimezoneOffset float64
}

// Engine is the Automation Engine: it owns the loaded rule set and the
// dedup/solar state the run loop needs, but borrows the State Machine,
// Service Registry, and Template Engine handles rather than owning them,
// matching the ownership note in §3 ("every other component borrows a
// handle").
type Engine struct {
	sm       StateMachine
	services ServiceCaller
	renderer TemplateRenderer
	log      *logging.Logger
	loc      Location
	simSpeed float64
	clock    func() time.Time

	mu          sync.RWMutex
	automations map[string]automation.Automation

	fireMu      sync.Mutex
	lastFired   map[string]string // automation_id -> last-fired HH:MM
	cronParser  cron.Parser
	cronSpecs   map[string]cron.Schedule
	lastCronRun map[string]time.Time

	solarMu      sync.Mutex
	solarDay     int
	sunriseHHMM  string
	sunsetHHMM   string
}

// Config carries the engine's construction-time collaborators.
type Config struct {
	StateMachine  StateMachine
	Services      ServiceCaller
	Renderer      TemplateRenderer
	Logger        *logging.Logger
	Location      Location
	SimSpeed      float64
}

// New builds an Engine with an empty rule set; load automations via
// LoadAutomations before starting the run loop.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	simSpeed := cfg.SimSpeed
	if simSpeed <= 0 {
		simSpeed = 1
	}
	return &Engine{
		sm:          cfg.StateMachine,
		services:    cfg.Services,
		renderer:    cfg.Renderer,
		log:         cfg.Logger,
		loc:         cfg.Location,
		simSpeed:    simSpeed,
		clock:       time.Now,
		automations: make(map[string]automation.Automation),
		lastFired:   make(map[string]string),
		cronParser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cronSpecs:   make(map[string]cron.Schedule),
		lastCronRun: make(map[string]time.Time),
		solarDay:    -1,
	}
}

// LoadAutomations replaces the loaded rule set wholesale, the way the
// teacher's Scheduler.tick re-lists jobs every poll rather than diffing.
func (e *Engine) LoadAutomations(autos []automation.Automation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.automations = make(map[string]automation.Automation, len(autos))
	for _, a := range autos {
		e.automations[a.ID] = a
	}

	e.fireMu.Lock()
	defer e.fireMu.Unlock()
	e.cronSpecs = make(map[string]cron.Schedule)
	for _, a := range autos {
		for _, trig := range a.Triggers {
			if trig.Kind != automation.TriggerCron || trig.Cron == "" {
				continue
			}
			sched, err := e.cronParser.Parse(trig.Cron)
			if err != nil {
				e.log.Warn(context.Background(), "invalid cron trigger", map[string]interface{}{
					"automation_id": a.ID,
					"cron":          trig.Cron,
					"error":         err.Error(),
				})
				continue
			}
			e.cronSpecs[a.ID] = sched
		}
	}
}

func (e *Engine) snapshotAutomations() []automation.Automation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]automation.Automation, 0, len(e.automations))
	for _, a := range e.automations {
		out = append(out, a)
	}
	return out
}

// OnStateChanged matches State triggers against a state-changed event and
// runs the action sequence of every automation whose trigger and
// conditions are satisfied, returning the ids that fired.
func (e *Engine) OnStateChanged(evt entity.ChangedEvent) []string {
	var fired []string
	for _, a := range e.snapshotAutomations() {
		if !e.stateTriggerMatches(a, evt) {
			continue
		}
		if !e.conditionsHold(a.Conditions) {
			continue
		}
		triggerCtx := evt.NewState.Context.Derive()
		e.runActions(context.Background(), triggerCtx, a.Actions)
		fired = append(fired, a.ID)
	}
	return fired
}

func (e *Engine) stateTriggerMatches(a automation.Automation, evt entity.ChangedEvent) bool {
	for _, trig := range a.Triggers {
		if trig.Kind != automation.TriggerState {
			continue
		}
		if !containsString(trig.EntityIDs, evt.EntityID) {
			continue
		}
		if trig.To != "" && evt.NewState.State != trig.To {
			continue
		}
		if trig.From != "" {
			if evt.OldState == nil || evt.OldState.State != trig.From {
				continue
			}
		}
		return true
	}
	return false
}

// OnEvent matches Event triggers against a named event fired through
// POST /events/{type} or a plugin emit, and runs the matching automations.
func (e *Engine) OnEvent(eventType string, data map[string]any) []string {
	var fired []string
	for _, a := range e.snapshotAutomations() {
		matched := false
		for _, trig := range a.Triggers {
			if trig.Kind == automation.TriggerEvent && trig.EventType == eventType {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if !e.conditionsHold(a.Conditions) {
			continue
		}
		e.runActions(context.Background(), entity.NewContext(), a.Actions)
		fired = append(fired, a.ID)
	}
	return fired
}

// TriggerByID runs an automation's action sequence directly, bypassing its
// triggers and conditions, per §4.2's trigger_by_id and the
// automation.trigger action's special routing (§4.3).
func (e *Engine) TriggerByID(id string) bool {
	e.mu.RLock()
	a, ok := e.automations[id]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	e.runActions(context.Background(), entity.NewContext(), a.Actions)
	return true
}

// Subscribe drains the State Machine's event bus forever, feeding every
// ChangedEvent into OnStateChanged, until ctx is cancelled. Run this once
// from the process's bootstrap goroutine.
func (e *Engine) Subscribe(ctx context.Context) {
	recv := e.sm.Subscribe()
	defer recv.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-recv.Events():
			if !ok {
				return
			}
			e.OnStateChanged(evt)
		}
	}
}

// RunTimeLoop is the long-running task that matches Time/Sun/Cron triggers
// every 500ms, per §4.2. It blocks until ctx is cancelled.
func (e *Engine) RunTimeLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(ctx, now)
		}
	}
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	hhmm := now.Format("15:04")
	e.ensureSolarForDay(now)

	for _, a := range e.snapshotAutomations() {
		for _, trig := range a.Triggers {
			switch trig.Kind {
			case automation.TriggerTime:
				if normalizeHHMM(trig.At) == hhmm && e.shouldFire(a.ID, hhmm) {
					e.fireTimeBased(ctx, a, hhmm)
				}
			case automation.TriggerSun:
				target := e.sunTarget(trig)
				if target != "" && target == hhmm && e.shouldFire(a.ID, hhmm) {
					e.fireTimeBased(ctx, a, hhmm)
				}
			case automation.TriggerCron:
				e.tickCron(ctx, a, now)
			}
		}
	}
}

func (e *Engine) fireTimeBased(ctx context.Context, a automation.Automation, hhmm string) {
	if !e.conditionsHold(a.Conditions) {
		return
	}
	e.runActions(ctx, entity.NewContext(), a.Actions)
}

// shouldFire applies the (automation_id, HH:MM) -> last_fired_HH:MM dedup
// map from §4.2, suppressing a second fire within the same minute.
func (e *Engine) shouldFire(automationID, hhmm string) bool {
	e.fireMu.Lock()
	defer e.fireMu.Unlock()
	if e.lastFired[automationID] == hhmm {
		return false
	}
	e.lastFired[automationID] = hhmm
	return true
}

func (e *Engine) tickCron(ctx context.Context, a automation.Automation, now time.Time) {
	e.fireMu.Lock()
	sched, ok := e.cronSpecs[a.ID]
	last, hasLast := e.lastCronRun[a.ID]
	if !hasLast {
		last = now.Add(-time.Second)
	}
	e.fireMu.Unlock()
	if !ok {
		return
	}
	next := sched.Next(last)
	if next.After(now) {
		return
	}
	e.fireMu.Lock()
	e.lastCronRun[a.ID] = now
	e.fireMu.Unlock()

	if !e.conditionsHold(a.Conditions) {
		return
	}
	e.runActions(ctx, entity.NewContext(), a.Actions)
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func normalizeHHMM(at string) string {
	if len(at) >= 5 {
		return at[:5]
	}
	return at
}

func (e *Engine) logTemplateError(tmpl string, err error) {
	e.log.Warn(context.Background(), "template render failed, treating as false", map[string]interface{}{
		"template": tmpl,
		"error":    fmt.Sprintf("%v", err),
	})
}
