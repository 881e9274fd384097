// Package entity defines the state-core's data model: entity states,
// their change events, and the correlation context carried between them.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// Context correlates a write with the chain of causes that produced it:
// an automation's trigger context flows into the service calls it issues,
// which flow into the state writes those calls make.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// NewContext generates a fresh, unparented context.
func NewContext() Context {
	return Context{ID: uuid.NewString()}
}

// Derive produces a child context that carries this context's id forward
// as the new context's parent, propagating causation through a call chain.
func (c Context) Derive() Context {
	return Context{ID: uuid.NewString(), ParentID: c.ID, UserID: c.UserID}
}

// Attributes maps attribute name to an arbitrary JSON-serializable value.
// It is a plain Go map: insertion order is not recorded, ranging over it
// visits keys in no defined order, and encoding/json writes the keys
// sorted by name.
type Attributes map[string]any

// Clone returns a shallow copy safe to hand to a caller without aliasing
// the original map.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Equal reports whether two attribute sets are equivalent for the purpose
// of deciding whether a write changed anything. It compares by key
// presence and value equality; values are expected to be the JSON-decoded
// primitives (string, float64, bool, nil, []any, map[string]any) produced
// by typical call sites, where `==` is meaningful for scalars.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !deepEqual(v, bv) {
			return false
		}
	}
	return true
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqual(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// State is the authoritative record for one entity id, e.g. "light.kitchen".
type State struct {
	EntityID     string     `json:"entity_id" db:"entity_id"`
	State        string     `json:"state" db:"state"`
	Attributes   Attributes `json:"attributes" db:"-"`
	LastChanged  time.Time  `json:"last_changed" db:"last_changed"`
	LastUpdated  time.Time  `json:"last_updated" db:"last_updated"`
	LastReported time.Time  `json:"last_reported" db:"last_reported"`
	Context      Context    `json:"context" db:"-"`
}

// Clone returns a deep-enough copy: the Attributes map is copied so the
// caller cannot mutate the stored record through the returned value.
func (s State) Clone() State {
	s.Attributes = s.Attributes.Clone()
	return s
}

// ChangedEvent is fired on every Set call, including no-op writes whose
// state and attributes are unchanged from the prior record (last_reported
// still advances). OldState is nil for a first-ever write to an entity id.
type ChangedEvent struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state,omitempty"`
	NewState State  `json:"new_state"`
	FiredAt  time.Time `json:"time_fired"`
}

// StateChanged reports whether the event represents an actual state (not
// merely attribute or report) transition.
func (e ChangedEvent) StateChanged() bool {
	return e.OldState == nil || e.OldState.State != e.NewState.State
}

// DiscoveryRecord describes an entity surfaced by an MQTT discovery
// payload, binding it to an MqttCommandTarget and/or a value template used
// to translate the raw MQTT payload into entity state.
type DiscoveryRecord struct {
	Component      string `json:"component"`
	NodeID         string `json:"node_id,omitempty"`
	ObjectID       string `json:"object_id"`
	Name           string `json:"name"`
	DeviceClass    string `json:"device_class,omitempty"`
	ValueTemplate  string `json:"value_template,omitempty"`
	CommandTopic   string `json:"command_topic,omitempty"`
	StateTopic     string `json:"state_topic,omitempty"`
	PayloadOn      string `json:"payload_on,omitempty"`
	PayloadOff     string `json:"payload_off,omitempty"`
	UniqueID       string `json:"unique_id,omitempty"`
}

// EntityID computes the entity id this discovery record maps to.
func (d DiscoveryRecord) EntityID() string {
	return d.Component + "." + d.ObjectID
}

// MqttCommandTarget is attached to an entity by discovery so the Service
// Registry mirrors every service call on that entity onto the wire
// (turn_on/turn_off as the on/off payloads, other services as JSON data).
type MqttCommandTarget struct {
	CommandTopic string
	PayloadOn    string
	PayloadOff   string
}
