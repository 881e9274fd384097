// Package template implements the Jinja2-subset expression evaluator used
// by MQTT value templates and automation conditions/wait_templates, per
// §4.5. Expressions appear inside `{{ ... }}` spans in an otherwise literal
// string; everything outside a span is passed through unchanged.
//
// Rather than hand-writing a Jinja grammar, a `{{ ... }}` body is run
// through two small textual translators — pipe filters (`a | f(b)` to
// `f(a, b)`) and keyword operators (`and`/`or`/`not` to `&&`/`||`/`!`) —
// and the result is handed to github.com/PaesslerAG/gval, an expression
// language already pulled into this module by jsonpath. gval supplies the
// arithmetic, comparison, boolean, and ternary operators along with dotted
// selector access into nested maps; this package only needs to add the
// domain-specific filters and state-aware functions on top.
//
// The original implementation injects a thread-local State Machine handle
// for the duration of a render and withdraws it afterward, because its
// evaluator runs on a shared interpreter instance across calls. A Renderer
// has no such shared mutable state: it holds its State Machine handle for
// its entire lifetime, and concurrent Render calls never touch each
// other's data, so the re-entrancy the original guards against is free.
package template

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/gval"

	"github.com/hearthctl/hub/domain/entity"
)

// StateMachine is the subset of the State Machine's contract the
// state-aware functions (states/is_state/state_attr) need.
type StateMachine interface {
	Get(entityID string) (entity.State, bool)
}

// Renderer evaluates `{{ ... }}` expressions against a variable scope,
// with read access to a borrowed State Machine handle.
type Renderer struct {
	sm   StateMachine
	lang gval.Language
}

// New builds a Renderer bound to sm for the lifetime of the process (or
// test). sm may be nil for renders that never call a state-aware function;
// doing so then returns an error from the offending call, per §7's "log at
// warn; treat as false/raw" render-failure handling.
func New(sm StateMachine) *Renderer {
	r := &Renderer{sm: sm}
	r.lang = gval.Full(filterFunctions(), r.stateFunctions())
	return r
}

// Render evaluates every `{{ ... }}` span in tmpl against vars, substitutes
// its stringified result, and returns the concatenated text. A template
// with no spans is returned unchanged. vars is nil for condition and
// wait_template renders, which only use state-aware functions.
func (r *Renderer) Render(tmpl string, vars map[string]any) (string, error) {
	var out strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			// Unterminated span: treat the rest as literal, matching the
			// "render failure -> treat as raw" posture.
			out.WriteString(rest)
			break
		}
		end += start

		out.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : end])
		rest = rest[end+2:]

		if expr == "" {
			continue
		}
		val, err := r.eval(expr, vars)
		if err != nil {
			return "", fmt.Errorf("template: %q: %w", expr, err)
		}
		out.WriteString(stringify(val))
	}
	return out.String(), nil
}

func (r *Renderer) eval(expr string, vars map[string]any) (interface{}, error) {
	translated := translateKeywords(translatePipes(expr))
	params := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		params[k] = v
	}
	return r.lang.Evaluate(translated, params)
}
