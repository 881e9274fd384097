package template

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// stateFunctions registers the §4.5 state-aware functions, closing over
// the Renderer's borrowed State Machine handle. A call against a missing
// entity id does not error: states returns "unknown", is_state returns
// false and state_attr returns nil. The functions error only when the
// Renderer has no State Machine.
func (r *Renderer) stateFunctions() gval.Language {
	return gval.NewLanguage(
		gval.Function("states", r.fnStates),
		gval.Function("is_state", r.fnIsState),
		gval.Function("state_attr", r.fnStateAttr),
		gval.Function("now", r.fnNow),
	)
}

func (r *Renderer) fnStates(args ...interface{}) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("states: expected an entity id")
	}
	if r.sm == nil {
		return nil, fmt.Errorf("states: no state machine bound to this renderer")
	}
	st, ok := r.sm.Get(stringify(args[0]))
	if !ok {
		return "unknown", nil
	}
	return st.State, nil
}

func (r *Renderer) fnIsState(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("is_state: expected an entity id and a state")
	}
	if r.sm == nil {
		return nil, fmt.Errorf("is_state: no state machine bound to this renderer")
	}
	st, ok := r.sm.Get(stringify(args[0]))
	if !ok {
		return false, nil
	}
	return st.State == stringify(args[1]), nil
}

func (r *Renderer) fnStateAttr(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("state_attr: expected an entity id and an attribute name")
	}
	if r.sm == nil {
		return nil, fmt.Errorf("state_attr: no state machine bound to this renderer")
	}
	st, ok := r.sm.Get(stringify(args[0]))
	if !ok || st.Attributes == nil {
		return nil, nil
	}

	attr := stringify(args[1])
	raw, err := json.Marshal(map[string]interface{}(st.Attributes))
	if err != nil {
		return nil, fmt.Errorf("state_attr: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("state_attr: %w", err)
	}

	value, err := jsonpath.Get("$."+attr, doc)
	if err != nil {
		return nil, nil
	}
	return value, nil
}

func (r *Renderer) fnNow(args ...interface{}) (interface{}, error) {
	return time.Now().Format(time.RFC3339), nil
}
