package store

import (
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of [Store].
//
// Fragments are keyed by name, with new values replacing previous ones. Each
// update is published to the optional [Publisher] after it is stored, so a
// subscriber that reads the store on receipt sees at least that update.
type MemoryStore struct {
	mu        sync.RWMutex
	fragments map[string]Fragment
	publisher Publisher
}

// NewMemoryStore creates a new in-memory [Store]. publisher may be nil.
func NewMemoryStore(publisher Publisher) *MemoryStore {
	return &MemoryStore{
		fragments: make(map[string]Fragment),
		publisher: publisher,
	}
}

// Update stores a [Fragment] and publishes it under [FragmentTopic].
func (m *MemoryStore) Update(f Fragment) {
	f.Data = copyData(f.Data)

	m.mu.Lock()
	m.fragments[f.Name] = f
	m.mu.Unlock()

	if m.publisher == nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		// fragment data came from decoded JSON, so this only fails on
		// values injected through the SDK; keep the stored copy regardless
		return
	}
	m.publisher.Publish(FragmentTopic, data)
}

// Get returns a copy of the named fragment.
func (m *MemoryStore) Get(name string) (Fragment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.fragments[name]
	if !ok {
		return Fragment{}, false
	}
	f.Data = copyData(f.Data)
	return f, true
}

// GetAll returns a snapshot of all stored fragments, sorted by name.
func (m *MemoryStore) GetAll() []Fragment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Fragment, 0, len(m.fragments))
	for _, f := range m.fragments {
		f.Data = copyData(f.Data)
		results = append(results, f)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// copyData returns a shallow copy of the map, or nil if input is nil.
func copyData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
