package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/pagesync/internal/metrics"
)

// subscriberBuffer is the channel buffer size for each subscriber.
const subscriberBuffer = 100

// Event is a single message published on a [Bus] topic.
type Event struct {
	// Key is the topic the event was published under.
	Key string `json:"key"`

	// Data is the raw JSON payload.
	Data json.RawMessage `json:"data"`

	// PublishedAt is when the bus accepted the event.
	PublishedAt time.Time `json:"published_at"`
}

// Handler is a synchronous subscriber callback.
type Handler func(Event)

// Bus is a topic-keyed publish/subscribe registry.
//
// Channel subscribers receive events via buffered channels (buffer size 100).
// Sends are non-blocking; a subscriber whose buffer is full misses the event
// rather than stalling the publisher. Handlers registered with [Bus.On] run
// synchronously on the publishing goroutine, in registration order.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[chan Event]struct{}
	all    map[chan Event]struct{}
	last   map[string]Event

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64

	logger *slog.Logger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// NewBus creates an empty [Bus]. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:   make(map[string]map[chan Event]struct{}),
		all:      make(map[chan Event]struct{}),
		last:     make(map[string]Event),
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish delivers data to every subscriber of key, every all-topics
// subscriber, and every handler registered for key.
func (b *Bus) Publish(key string, data json.RawMessage) {
	ev := Event{
		Key:         key,
		Data:        append(json.RawMessage(nil), data...),
		PublishedAt: time.Now(),
	}
	metrics.ObserveEventPublished()

	b.mu.Lock()
	b.last[key] = ev
	b.mu.Unlock()

	b.mu.RLock()
	for ch := range b.topics[key] {
		select {
		case ch <- ev:
		default:
			// subscriber is slow, drop the event
		}
	}
	for ch := range b.all {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.RUnlock()

	b.hmu.RLock()
	entries := append([]handlerEntry(nil), b.handlers[key]...)
	b.hmu.RUnlock()

	for _, h := range entries {
		b.invokeSafe(h.fn, ev)
	}
}

// PublishValue marshals v and publishes it under key.
func (b *Bus) PublishValue(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %q payload: %w", key, err)
	}
	b.Publish(key, data)
	return nil
}

// Subscribe returns a channel receiving events published under key.
//
// Caller must call [Bus.Unsubscribe] when done.
func (b *Bus) Subscribe(key string) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	subs, ok := b.topics[key]
	if !ok {
		subs = make(map[chan Event]struct{})
		b.topics[key] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a channel receiving every published event.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.all[ch] = struct{}{}
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call multiple times or with an unknown channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subCh := range b.all {
		if subCh == ch {
			delete(b.all, subCh)
			close(subCh)
			return
		}
	}
	for key, subs := range b.topics {
		for subCh := range subs {
			if subCh == ch {
				delete(subs, subCh)
				close(subCh)
				if len(subs) == 0 {
					delete(b.topics, key)
				}
				return
			}
		}
	}
}

// On registers a synchronous handler for key and returns a function that
// removes it. Nil handlers are ignored.
func (b *Bus) On(key string, fn Handler) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	b.hmu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[key] = append(b.handlers[key], handlerEntry{id: id, fn: fn})
	b.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.hmu.Lock()
			defer b.hmu.Unlock()
			entries := b.handlers[key]
			for i, e := range entries {
				if e.id == id {
					b.handlers[key] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(b.handlers[key]) == 0 {
				delete(b.handlers, key)
			}
		})
	}
}

// Last returns the most recent event of every key, sorted by key.
func (b *Bus) Last() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.last))
	for _, ev := range b.last {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// invokeSafe calls a handler with panic recovery. The stack is logged with a
// correlation ID; the panic does not reach the publisher.
func (b *Bus) invokeSafe(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"correlation_id", uuid.NewString(),
				"event_key", ev.Key,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn(ev)
}
