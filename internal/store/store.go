package store

import (
	"encoding/json"
	"time"
)

// FragmentTopic is the bus topic fragment updates are published under.
const FragmentTopic = "pagesync.fragment"

// Fragment is the stored view of one synchronized fragment.
//
// Fragment is the JSON representation served by the REST API and streamed
// over SSE. It is decoupled from the refresh task's live target so readers
// never observe a half-applied update.
type Fragment struct {
	// Name identifies the fragment and the task that keeps it fresh.
	Name string `json:"name"`

	// Data is the fragment's current key/value content.
	Data map[string]any `json:"data"`

	// State is the refresh task state (idle, awaiting_response, scheduled, stopped).
	State string `json:"state"`

	// IntervalMs is the task's current adaptive interval in milliseconds.
	IntervalMs int64 `json:"interval_ms"`

	// UpdatedAt is when the fragment last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// Error holds the last request error, nil after a successful round.
	Error *string `json:"error"`
}

// Publisher receives every stored fragment. *events.Bus satisfies it.
type Publisher interface {
	Publish(key string, data json.RawMessage)
}

// Store defines storage for fragments.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// Update stores a fragment, keyed by Name, and publishes it.
	Update(f Fragment)

	// Get returns the fragment with the given name.
	Get(name string) (Fragment, bool)

	// GetAll returns all fragments sorted by name.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []Fragment
}
