package longpoll

import "encoding/json"

// Payload is one event delivered by the long-poll queue.
type Payload struct {
	// EventKey is the bus topic the event is published under.
	EventKey string `json:"event_key"`

	// EventData is passed to subscribers unchanged.
	EventData json.RawMessage `json:"event_data"`
}

// DecodePayload parses a long-poll response body.
//
// The body must be a JSON object carrying both event_key and event_data;
// event_key must be a non-empty string. Anything else, including a body
// that is not JSON at all, is rejected with ok=false.
func DecodePayload(body []byte) (p Payload, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Payload{}, false
	}

	rawKey, hasKey := fields["event_key"]
	rawData, hasData := fields["event_data"]
	if !hasKey || !hasData {
		return Payload{}, false
	}

	var key string
	if err := json.Unmarshal(rawKey, &key); err != nil || key == "" {
		return Payload{}, false
	}

	return Payload{EventKey: key, EventData: rawData}, true
}
