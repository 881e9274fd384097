package registry

import (
	"encoding/json"
)

// MqttPublish is a publish request the registry hands to the MQTT bridge,
// per §4.3's command bridge. Grounded on marge-core/src/services.rs's
// MqttPublish{topic, payload, retain}.
type MqttPublish struct {
	Topic   string
	Payload string
	Retain  bool
}

// publishMqttCommand mirrors a service call onto the wire for any entity
// with a registered MQTT command target, per §4.3:
//   - turn_on publishes payload_on or "ON".
//   - turn_off publishes payload_off or "OFF".
//   - any other service publishes the call data as JSON.
//
// The send is non-blocking: the channel set with SetMqttTx is a plain Go
// channel, and when it is full the publish is dropped rather than waited
// on.
func (r *Registry) publishMqttCommand(call ServiceCall) {
	r.mqttMu.RLock()
	tx := r.mqttTx
	target, ok := r.mqttTargets[call.EntityID]
	r.mqttMu.RUnlock()
	if !ok || tx == nil {
		return
	}

	var payload string
	switch call.Service {
	case "turn_on":
		payload = target.PayloadOn
		if payload == "" {
			payload = "ON"
		}
	case "turn_off":
		payload = target.PayloadOff
		if payload == "" {
			payload = "OFF"
		}
	default:
		raw, err := json.Marshal(call.Data)
		if err != nil {
			return
		}
		payload = string(raw)
	}

	select {
	case tx <- MqttPublish{Topic: target.CommandTopic, Payload: payload}:
	default:
		// Channel full: the publish is dropped so the caller never blocks.
	}
}
