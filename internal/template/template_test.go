package template

import (
	"testing"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/internal/statemachine"
)

func TestRenderLiteralPassthrough(t *testing.T) {
	r := New(nil)
	got, err := r.Render("hello world", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("expected literal passthrough, got %q", got)
	}
}

func TestRenderArithmetic(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ 1 + 2 }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "3" {
		t.Fatalf("expected 3, got %q", got)
	}
}

func TestRenderMixedLiteralAndExpression(t *testing.T) {
	r := New(nil)
	got, err := r.Render("temp is {{ 10 + 5 }} degrees", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "temp is 15 degrees" {
		t.Fatalf("unexpected render: %q", got)
	}
}

// Mirrors §8 scenario 6: a discovery value_template applied to a parsed
// MQTT JSON payload.
func TestRenderValueJSONRoundFilter(t *testing.T) {
	r := New(nil)
	vars := map[string]any{
		"value_json": map[string]interface{}{"temperature": 22.456},
	}
	got, err := r.Render("{{ value_json.temperature | round(1) }}", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "22.5" {
		t.Fatalf("expected 22.5, got %q", got)
	}
}

func TestRenderRoundDefaultPrecision(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ 22.8 | round }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "23" {
		t.Fatalf("expected 23, got %q", got)
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ x | default('fallback') }}", map[string]any{"x": nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestRenderIifFilter(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ iif(1 > 0, 'yes', 'no') }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "yes" {
		t.Fatalf("expected yes, got %q", got)
	}
}

func TestRenderChainedStringFilters(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ value | trim | upper }}", map[string]any{"value": "  hi "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "HI" {
		t.Fatalf("expected HI, got %q", got)
	}
}

func TestRenderKeywordOperators(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ (1 > 0) and not (2 > 3) }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "true" {
		t.Fatalf("expected true, got %q", got)
	}
}

func TestRenderAbsMaxMin(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ max(abs(-4), 2, min(9, 7)) }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "7" {
		t.Fatalf("expected 7, got %q", got)
	}
}

func TestRenderToJSON(t *testing.T) {
	r := New(nil)
	got, err := r.Render("{{ to_json(1) }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1" {
		t.Fatalf("expected 1, got %q", got)
	}
}

func newTestStateMachine() *statemachine.Store {
	return statemachine.New(8, nil)
}

func TestRenderStatesFunction(t *testing.T) {
	sm := newTestStateMachine()
	sm.Set("light.kitchen", "on", nil, entity.NewContext())
	r := New(sm)

	got, err := r.Render("{{ states('light.kitchen') }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "on" {
		t.Fatalf("expected on, got %q", got)
	}
}

func TestRenderStatesFunctionUnknownEntity(t *testing.T) {
	sm := newTestStateMachine()
	r := New(sm)

	got, err := r.Render("{{ states('light.missing') }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestRenderIsStateFunction(t *testing.T) {
	sm := newTestStateMachine()
	sm.Set("switch.plug", "off", nil, entity.NewContext())
	r := New(sm)

	got, err := r.Render("{{ iif(is_state('switch.plug', 'off'), 'idle', 'busy') }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "idle" {
		t.Fatalf("expected idle, got %q", got)
	}
}

func TestRenderStateAttrFunction(t *testing.T) {
	sm := newTestStateMachine()
	sm.Set("climate.hall", "heat", entity.Attributes{"current_temperature": 19.5}, entity.NewContext())
	r := New(sm)

	got, err := r.Render("{{ state_attr('climate.hall', 'current_temperature') }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "19.5" {
		t.Fatalf("expected 19.5, got %q", got)
	}
}

func TestRenderStateAttrMissingAttributeIsNil(t *testing.T) {
	sm := newTestStateMachine()
	sm.Set("climate.hall", "heat", nil, entity.NewContext())
	r := New(sm)

	got, err := r.Render("{{ state_attr('climate.hall', 'humidity') | default('n/a') }}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "n/a" {
		t.Fatalf("expected n/a, got %q", got)
	}
}

func TestRenderUnterminatedSpanIsLiteral(t *testing.T) {
	r := New(nil)
	got, err := r.Render("hello {{ world", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello {{ world" {
		t.Fatalf("expected literal passthrough, got %q", got)
	}
}
