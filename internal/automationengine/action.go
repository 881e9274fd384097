package automationengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hearthctl/hub/domain/automation"
	"github.com/hearthctl/hub/domain/entity"
)

const waitTemplatePollInterval = 100 * time.Millisecond
const defaultWaitTemplateTimeout = 300 * time.Second

// runActions executes an action sequence in order. A running sequence
// always runs to completion per §5: it is not cancelled by ctx, which is
// only threaded through for service-call/HTTP-style suspension points.
// Per §4.2's failure rule, any action error is logged and swallowed;
// execution continues with the next step.
func (e *Engine) runActions(ctx context.Context, triggerCtx entity.Context, actions []automation.Action) {
	for _, a := range actions {
		e.runAction(ctx, triggerCtx, a)
	}
}

func (e *Engine) runAction(ctx context.Context, triggerCtx entity.Context, a automation.Action) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn(ctx, "automation action panicked, continuing", map[string]interface{}{
				"action": string(a.Kind),
				"panic":  fmt.Sprintf("%v", r),
			})
		}
	}()

	switch a.Kind {
	case automation.ActionServiceCall:
		e.runServiceCall(ctx, triggerCtx, a)

	case automation.ActionDelay:
		e.runDelay(a)

	case automation.ActionWaitTemplate:
		e.runWaitTemplate(a)

	case automation.ActionChoose:
		for _, opt := range a.Choose {
			if e.conditionsHold(opt.Conditions) {
				e.runActions(ctx, triggerCtx, opt.Sequence)
				return
			}
		}
		e.runActions(ctx, triggerCtx, a.Default)

	case automation.ActionRepeat:
		e.runRepeat(ctx, triggerCtx, a.Repeat)

	case automation.ActionVariables:
		// No-op in the core; reserved for future scoped bindings (§4.2).

	case automation.ActionParallel:
		// The reference semantics are sequential per Design Notes §9's
		// open question (resolved: keep sequential, documented).
		for _, seq := range a.Parallel {
			e.runActions(ctx, triggerCtx, seq)
		}

	case automation.ActionScene:
		if e.services == nil {
			return
		}
		if _, err := e.services.Call("scene", "turn_on", []string{a.SceneID}, nil, triggerCtx.Derive()); err != nil {
			e.log.Warn(ctx, "scene action failed", map[string]interface{}{"scene_id": a.SceneID, "error": err.Error()})
		}

	case automation.ActionAutomationTrigger:
		e.TriggerByID(a.AutomationID)
	}
}

func (e *Engine) runServiceCall(ctx context.Context, triggerCtx entity.Context, a automation.Action) {
	if e.services == nil {
		return
	}
	domain, service, ok := splitDomainService(a.Service)
	if !ok {
		e.log.Warn(ctx, "malformed service action", map[string]interface{}{"service": a.Service})
		return
	}
	if _, err := e.services.Call(domain, service, a.TargetIDs, a.Data, triggerCtx.Derive()); err != nil {
		e.log.Warn(ctx, "service action failed", map[string]interface{}{
			"domain": domain, "service": service, "error": err.Error(),
		})
	}
}

func splitDomainService(s string) (domain, service string, ok bool) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// runDelay sleeps for the action's declared duration, scaled down by
// sim_speed when it's greater than 1 (faster-than-real-time simulation),
// per §4.2's action table.
func (e *Engine) runDelay(a automation.Action) {
	d := parseDelayDuration(a)
	if e.simSpeed > 1 {
		d = time.Duration(float64(d) / e.simSpeed)
	}
	if d > 0 {
		time.Sleep(d)
	}
}

func parseDelayDuration(a automation.Action) time.Duration {
	if a.Delay != "" {
		if d, ok := parseHHMMSS(a.Delay); ok {
			return d
		}
	}
	return time.Duration(a.Seconds * float64(time.Second))
}

func parseHHMMSS(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
}

// runWaitTemplate polls the template every 100ms until it renders truthy or
// the timeout (default 300s) elapses, per §4.2 and §5.
func (e *Engine) runWaitTemplate(a automation.Action) {
	timeout := defaultWaitTemplateTimeout
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds * float64(time.Second))
	}
	deadline := time.Now().Add(timeout)
	for {
		rendered, err := e.renderer.Render(a.ValueTemplate, nil)
		if err != nil {
			e.logTemplateError(a.ValueTemplate, err)
		} else if rendered == "true" || rendered == "True" || rendered == "1" {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(waitTemplatePollInterval)
	}
}

// runRepeat executes the body up to RepeatMaxCount times, per the
// count/while/until termination modes in §4.2's table.
func (e *Engine) runRepeat(ctx context.Context, triggerCtx entity.Context, spec *automation.RepeatSpec) {
	if spec == nil {
		return
	}
	switch {
	case spec.Count > 0:
		n := spec.Count
		if n > automation.RepeatMaxCount {
			n = automation.RepeatMaxCount
		}
		for i := 0; i < n; i++ {
			e.runActions(ctx, triggerCtx, spec.Sequence)
		}

	case len(spec.While) > 0:
		for i := 0; i < automation.RepeatMaxCount && e.conditionsHold(spec.While); i++ {
			e.runActions(ctx, triggerCtx, spec.Sequence)
		}

	case len(spec.Until) > 0:
		for i := 0; i < automation.RepeatMaxCount; i++ {
			e.runActions(ctx, triggerCtx, spec.Sequence)
			if e.conditionsHold(spec.Until) {
				break
			}
		}

	default:
		e.runActions(ctx, triggerCtx, spec.Sequence)
	}
}
