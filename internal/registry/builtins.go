package registry

import (
	"context"
	"fmt"

	"github.com/hearthctl/hub/domain/entity"
)

// registerBuiltins installs the ~40 built-in domain handlers, per §4.3.
// Each one is a direct generalization of marge-core/src/services.rs's
// closures: same (domain, service) keys, same attribute-merge and
// state-derivation rules, translated from Rust's
// `Fn(&ServiceCall, &StateMachine) -> Option<ServiceResult>` closures into
// Go's Handler function type.
func registerBuiltins(r *Registry) {
	copyAttrs := func(current entity.State, exists bool) entity.Attributes {
		if !exists || current.Attributes == nil {
			return entity.Attributes{}
		}
		return current.Attributes.Clone()
	}
	mergeData := func(attrs entity.Attributes, data map[string]any, keys ...string) {
		for _, k := range keys {
			if v, ok := data[k]; ok {
				attrs[k] = v
			}
		}
	}

	// ── Light ──────────────────────────────────────────────
	r.Register("light", "turn_on", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		mergeData(attrs, c.Data, "brightness", "color_temp", "rgb_color", "xy_color", "hs_color", "effect", "transition")
		return ServiceResult{State: "on", Attributes: attrs}, true
	})
	r.Register("light", "turn_off", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "off", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("light", "toggle", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: toggledState(cur, ex), Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Switch ─────────────────────────────────────────────
	r.Register("switch", "turn_on", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "on", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("switch", "turn_off", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "off", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("switch", "toggle", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: toggledState(cur, ex), Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Lock ───────────────────────────────────────────────
	r.Register("lock", "lock", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "locked", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("lock", "unlock", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "unlocked", Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Climate ────────────────────────────────────────────
	r.Register("climate", "set_temperature", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		mergeData(attrs, c.Data, "temperature", "target_temp_high", "target_temp_low")
		state := "heat"
		if ex {
			state = cur.State
		}
		return ServiceResult{State: state, Attributes: attrs}, true
	})
	r.Register("climate", "set_hvac_mode", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		mode, _ := c.Data["hvac_mode"].(string)
		if mode == "" {
			mode = "off"
		}
		return ServiceResult{State: mode, Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("climate", "set_fan_mode", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		mergeData(attrs, c.Data, "fan_mode")
		state := "auto"
		if ex {
			state = cur.State
		}
		return ServiceResult{State: state, Attributes: attrs}, true
	})

	// ── Alarm control panel ────────────────────────────────
	for service, state := range map[string]string{
		"arm_home": "armed_home", "arm_away": "armed_away", "arm_night": "armed_night",
		"disarm": "disarmed", "trigger": "triggered",
	} {
		state := state
		r.Register("alarm_control_panel", service, func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
			return ServiceResult{State: state, Attributes: copyAttrs(cur, ex)}, true
		})
	}

	// ── Cover ──────────────────────────────────────────────
	r.Register("cover", "open_cover", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		attrs["current_position"] = 100
		return ServiceResult{State: "open", Attributes: attrs}, true
	})
	r.Register("cover", "close_cover", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		attrs["current_position"] = 0
		return ServiceResult{State: "closed", Attributes: attrs}, true
	})
	r.Register("cover", "set_cover_position", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		pos := asInt(c.Data["position"])
		attrs["current_position"] = pos
		state := "closed"
		if pos > 0 {
			state = "open"
		}
		return ServiceResult{State: state, Attributes: attrs}, true
	})

	// ── Fan ────────────────────────────────────────────────
	r.Register("fan", "turn_on", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		mergeData(attrs, c.Data, "percentage", "preset_mode")
		return ServiceResult{State: "on", Attributes: attrs}, true
	})
	r.Register("fan", "turn_off", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "off", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("fan", "set_percentage", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		pct := asInt(c.Data["percentage"])
		attrs["percentage"] = pct
		state := "off"
		if pct > 0 {
			state = "on"
		}
		return ServiceResult{State: state, Attributes: attrs}, true
	})

	// ── Media player ───────────────────────────────────────
	r.Register("media_player", "turn_on", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		mergeData(attrs, c.Data, "source")
		return ServiceResult{State: "on", Attributes: attrs}, true
	})
	r.Register("media_player", "turn_off", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "off", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("media_player", "media_play", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "playing", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("media_player", "media_pause", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "paused", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("media_player", "volume_set", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		attrs := copyAttrs(cur, ex)
		mergeData(attrs, c.Data, "volume_level")
		state := "on"
		if ex {
			state = cur.State
		}
		return ServiceResult{State: state, Attributes: attrs}, true
	})

	// ── Number / input helpers ─────────────────────────────
	r.Register("number", "set_value", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: stringifyValue(c.Data["value"]), Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("input_number", "set_value", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: stringifyValue(c.Data["value"]), Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("input_text", "set_value", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		s, _ := c.Data["value"].(string)
		return ServiceResult{State: s, Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Select / input_select ──────────────────────────────
	r.Register("select", "select_option", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		opt, _ := c.Data["option"].(string)
		return ServiceResult{State: opt, Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("input_select", "select_option", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		opt, _ := c.Data["option"].(string)
		return ServiceResult{State: opt, Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Siren ──────────────────────────────────────────────
	r.Register("siren", "turn_on", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "on", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("siren", "turn_off", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "off", Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Vacuum ─────────────────────────────────────────────
	r.Register("vacuum", "start", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "cleaning", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("vacuum", "stop", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "idle", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("vacuum", "return_to_base", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "returning", Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Valve ──────────────────────────────────────────────
	r.Register("valve", "open_valve", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "open", Attributes: copyAttrs(cur, ex)}, true
	})
	r.Register("valve", "close_valve", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{State: "closed", Attributes: copyAttrs(cur, ex)}, true
	})

	// ── Button / notification: no persistent state ────────
	r.Register("button", "press", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		return ServiceResult{}, false
	})
	r.Register("persistent_notification", "create", func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) {
		title, _ := c.Data["title"].(string)
		message, _ := c.Data["message"].(string)
		r.log.Info(context.Background(), "notification", map[string]interface{}{"title": title, "message": message})
		return ServiceResult{}, false
	})

	// ── Automation / scene placeholders ────────────────────
	// Registered only so they surface in ListServices; the real routing
	// happens in Call before handler lookup (§4.3 special routing).
	noop := func(c ServiceCall, cur entity.State, ex bool) (ServiceResult, bool) { return ServiceResult{}, false }
	r.Register("automation", "trigger", noop)
	r.Register("automation", "turn_on", noop)
	r.Register("automation", "turn_off", noop)
	r.Register("automation", "toggle", noop)
	r.Register("scene", "turn_on", noop)
}

func toggledState(cur entity.State, exists bool) string {
	if exists && cur.State == "on" {
		return "off"
	}
	return "on"
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringifyValue(v any) string {
	if v == nil {
		return "0"
	}
	return fmt.Sprintf("%v", v)
}

// genericFallback applies generic turn_on/turn_off/toggle semantics for any
// domain without a registered handler, per §4.3's "Generic fallback".
func genericFallback(service string, cur entity.State, exists bool) (ServiceResult, bool) {
	attrs := entity.Attributes{}
	if exists && cur.Attributes != nil {
		attrs = cur.Attributes.Clone()
	}
	switch service {
	case "turn_on":
		return ServiceResult{State: "on", Attributes: attrs}, true
	case "turn_off":
		return ServiceResult{State: "off", Attributes: attrs}, true
	case "toggle":
		return ServiceResult{State: toggledState(cur, exists), Attributes: attrs}, true
	}
	return ServiceResult{}, false
}

func isGenericService(service string) bool {
	switch service {
	case "turn_on", "turn_off", "toggle":
		return true
	}
	return false
}
