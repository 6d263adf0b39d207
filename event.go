package pagesync

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jpalmerr/pagesync/internal/events"
)

// Default long-poll event keys.
const (
	DefaultLongPollStartEvent   = "longpoll.start"
	DefaultLongPollFailureEvent = "longpoll.failure"
)

// FragmentEvent is the key under which every fragment update is published.
const FragmentEvent = "pagesync.fragment"

// Event is one message delivered to handlers registered with [Page.On] or
// [WithEventHandler].
//
// Events delivered by the long poll carry the server's event_data unchanged
// in Data. Start and failure events carry a small JSON object; see
// [LongPollFailure].
type Event struct {
	// Key is the event key the message was published under.
	Key string

	// Data is the raw JSON payload.
	Data json.RawMessage

	// PublishedAt is when the page received the event.
	PublishedAt time.Time
}

// Decode unmarshals Data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// LongPollFailure is the payload of the long-poll failure event. Reason is
// "invalid_payload" when the server answered with something that is not an
// event, and "max_failed_attempts" when the long poll halted.
type LongPollFailure struct {
	Reason   string `json:"reason"`
	Sequence int    `json:"sequence"`
	Error    string `json:"error,omitempty"`
}

func fromBusEvent(ev events.Event) Event {
	return Event{
		Key:         ev.Key,
		Data:        append(json.RawMessage(nil), ev.Data...),
		PublishedAt: ev.PublishedAt,
	}
}
