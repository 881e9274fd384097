package automationengine

import (
	"strconv"

	"github.com/hearthctl/hub/domain/automation"
)

// conditionsHold evaluates a condition list with the implicit AND at the
// automation level described in §4.2: every condition must hold.
func (e *Engine) conditionsHold(conditions []automation.Condition) bool {
	for _, c := range conditions {
		if !e.evalCondition(c) {
			return false
		}
	}
	return true
}

func (e *Engine) evalCondition(c automation.Condition) bool {
	switch c.Kind {
	case automation.ConditionState:
		st, ok := e.sm.Get(c.EntityID)
		return ok && st.State == c.State

	case automation.ConditionNumericState:
		st, ok := e.sm.Get(c.EntityID)
		if !ok {
			return false
		}
		v, err := strconv.ParseFloat(st.State, 64)
		if err != nil {
			return false
		}
		if c.Above != nil && !(v > *c.Above) {
			return false
		}
		if c.Below != nil && !(v < *c.Below) {
			return false
		}
		return true

	case automation.ConditionTemplate:
		rendered, err := e.renderer.Render(c.ValueTemplate, nil)
		if err != nil {
			e.logTemplateError(c.ValueTemplate, err)
			return false
		}
		switch rendered {
		case "true", "True", "1":
			return true
		default:
			return false
		}

	case automation.ConditionTime:
		hhmm := e.clock().Format("15:04")
		if c.After != "" && hhmm < normalizeHHMM(c.After) {
			return false
		}
		if c.Before != "" && hhmm >= normalizeHHMM(c.Before) {
			return false
		}
		return true

	case automation.ConditionAnd:
		return e.conditionsHold(c.Conditions)

	case automation.ConditionOr:
		for _, sub := range c.Conditions {
			if e.evalCondition(sub) {
				return true
			}
		}
		return false

	default:
		return false
	}
}
