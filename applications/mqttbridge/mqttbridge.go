// Package mqttbridge implements spec §6's MQTT wire contract: topic
// parsing/routing for the plain `home/{domain}/{object}/state` topic
// convention and HA-style discovery payloads, grounded on
// original_source/marge-core/src/mqtt.rs (topic_to_entity_id) and
// src/discovery.rs (the discovery payload shape). The broker connection
// itself is out of scope (Non-goal) — Publisher/Subscriber are injected
// so any MQTT client library can drive this package.
package mqttbridge

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hearthctl/hub/domain/entity"
	"github.com/hearthctl/hub/internal/template"
)

// StateMachine is the subset of internal/statemachine.Store the bridge
// depends on for plain state-topic updates.
type StateMachine interface {
	Get(entityID string) (entity.State, bool)
	Set(entityID, state string, attributes entity.Attributes, ctx entity.Context) entity.State
}

// Registry is the subset of internal/registry.Registry the bridge
// depends on to attach discovered entities to the command bridge.
type Registry interface {
	RegisterMqttTarget(entityID string, target entity.MqttCommandTarget)
}

// Publisher is how the bridge sends messages back out, used when a
// discovered entity's command is triggered through the Service Registry
// (wired via Registry.RegisterMqttTarget, not called directly by this
// package).
type Publisher interface {
	Publish(topic, payload string, retain bool) error
}

// Subscriber is how the bridge requests additional subscriptions
// discovered at runtime (a discovery payload's state_topic).
type Subscriber interface {
	Subscribe(topicFilter string) error
}

// Bridge routes incoming MQTT messages into the State Machine and
// Service Registry.
type Bridge struct {
	sm       StateMachine
	registry Registry
	sub      Subscriber
	renderer *template.Renderer

	discovered map[string]entity.DiscoveryRecord // state_topic -> record
}

// New builds a Bridge. sub may be nil if the caller pre-subscribes to a
// fixed topic set instead of following discovery dynamically.
func New(sm StateMachine, registry Registry, renderer *template.Renderer, sub Subscriber) *Bridge {
	return &Bridge{
		sm:         sm,
		registry:   registry,
		sub:        sub,
		renderer:   renderer,
		discovered: make(map[string]entity.DiscoveryRecord),
	}
}

// HandleMessage routes one incoming MQTT message by topic shape, per
// §6: plain state topics, HA discovery config topics, and any topic
// already bound to a discovered entity's state_topic.
func (b *Bridge) HandleMessage(topic, payload string) {
	switch {
	case isDiscoveryTopic(topic):
		b.handleDiscovery(topic, payload)
	case b.isDiscoveredStateTopic(topic):
		b.handleDiscoveredState(topic, payload)
	default:
		b.handlePlainState(topic, payload)
	}
}

// handlePlainState implements `home/{domain}/{object}/state` ->
// StateMachine.set("{domain}.{object}", payload), per §6 and
// marge-core/src/mqtt.rs's topic_to_entity_id.
func (b *Bridge) handlePlainState(topic, payload string) {
	entityID, ok := topicToEntityID(topic)
	if !ok {
		return
	}
	var attrs entity.Attributes
	if st, found := b.sm.Get(entityID); found {
		attrs = st.Attributes
	}
	b.sm.Set(entityID, payload, attrs, entity.NewContext())
}

// topicToEntityID parses `home/{domain}/{object}/state`, matching
// marge-core/src/mqtt.rs::topic_to_entity_id exactly.
func topicToEntityID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == "home" && parts[3] == "state" {
		return parts[1] + "." + parts[2], true
	}
	return "", false
}

// isDiscoveryTopic matches `homeassistant/{component}/[{node}/]{object}/config`.
func isDiscoveryTopic(topic string) bool {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 {
		return false
	}
	return parts[0] == "homeassistant" && parts[len(parts)-1] == "config"
}

// handleDiscovery decodes a discovery payload into a DiscoveryRecord, per
// §6 ("empty body => mark entity unavailable"), registers its MQTT
// command target with the Service Registry, and subscribes to its state
// topic so future messages route through handleDiscoveredState.
func (b *Bridge) handleDiscovery(topic, payload string) {
	parts := strings.Split(topic, "/")
	component := parts[1]
	var nodeID, objectID string
	if len(parts) == 5 {
		nodeID, objectID = parts[2], parts[3]
	} else {
		objectID = parts[2]
	}

	record := entity.DiscoveryRecord{Component: component, NodeID: nodeID, ObjectID: objectID}
	entityID := record.EntityID()

	if strings.TrimSpace(payload) == "" {
		if st, ok := b.sm.Get(entityID); ok {
			b.sm.Set(entityID, "unavailable", st.Attributes, entity.NewContext())
		}
		return
	}

	record.Name = gjson.Get(payload, "name").String()
	record.DeviceClass = gjson.Get(payload, "device_class").String()
	record.ValueTemplate = gjson.Get(payload, "value_template").String()
	record.CommandTopic = gjson.Get(payload, "command_topic").String()
	record.StateTopic = gjson.Get(payload, "state_topic").String()
	record.PayloadOn = gjson.Get(payload, "payload_on").String()
	record.PayloadOff = gjson.Get(payload, "payload_off").String()
	record.UniqueID = gjson.Get(payload, "unique_id").String()

	if record.CommandTopic != "" && b.registry != nil {
		b.registry.RegisterMqttTarget(entityID, entity.MqttCommandTarget{
			CommandTopic: record.CommandTopic,
			PayloadOn:    record.PayloadOn,
			PayloadOff:   record.PayloadOff,
		})
	}
	if record.StateTopic != "" {
		b.discovered[record.StateTopic] = record
		if b.sub != nil {
			_ = b.sub.Subscribe(record.StateTopic)
		}
	}
}

func (b *Bridge) isDiscoveredStateTopic(topic string) bool {
	_, ok := b.discovered[topic]
	return ok
}

// handleDiscoveredState applies a discovered entity's value_template (if
// any) to translate the raw payload, exposing it as `value_json` for
// JSON payloads per internal/template's filter set, then writes the
// entity id this record maps to.
func (b *Bridge) handleDiscoveredState(topic, payload string) {
	record := b.discovered[topic]
	entityID := record.EntityID()

	state := payload
	if record.ValueTemplate != "" && b.renderer != nil {
		vars := map[string]any{"value": payload}
		if valueJSON := gjson.Parse(payload); valueJSON.IsObject() {
			vars["value_json"] = valueJSON.Value()
		}
		rendered, err := b.renderer.Render(record.ValueTemplate, vars)
		if err == nil {
			state = rendered
		}
	}

	var attrs entity.Attributes
	if st, ok := b.sm.Get(entityID); ok {
		attrs = st.Attributes
	}
	b.sm.Set(entityID, state, attrs, entity.NewContext())
}
