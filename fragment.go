package pagesync

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Fragment is a named, mutable key/value view kept in sync by one [Task].
//
// A Fragment is the target handed to [ApplyFunc], [ParamsFunc] and
// [StopFunc]. It is safe for concurrent use; readers such as the dashboard
// take copies via [Fragment.Snapshot].
type Fragment struct {
	name string

	mu   sync.RWMutex
	data map[string]any
}

func newFragment(name string, initial map[string]any) *Fragment {
	data, _ := cloneValue(initial).(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	return &Fragment{name: name, data: data}
}

// Name returns the fragment name, which is also the name of its task.
func (f *Fragment) Name() string {
	return f.name
}

// Get returns the value at a dot-separated path. Path segments address
// object keys, or indexes into arrays:
//
//	f.Get("summary.builds.0.status")
func (f *Fragment) Get(path string) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return lookupPath(f.data, path)
}

// Set stores value under a top-level key.
func (f *Fragment) Set(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = cloneValue(value)
}

// Delete removes a top-level key.
func (f *Fragment) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
}

// Merge stores every key of m, keeping keys m does not mention.
func (f *Fragment) Merge(m map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range m {
		f.data[k] = cloneValue(v)
	}
}

// Replace discards the current content and stores m.
func (f *Fragment) Replace(m map[string]any) {
	data, _ := cloneValue(m).(map[string]any)
	if data == nil {
		data = make(map[string]any)
	}
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
}

// Keys returns the top-level keys, sorted.
func (f *Fragment) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of the content.
func (f *Fragment) Snapshot() map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out, _ := cloneValue(f.data).(map[string]any)
	return out
}

// lookupPath walks decoded JSON using dot notation. An empty path returns
// the root.
func lookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	current := root
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// scalarString renders a decoded JSON scalar for comparisons. Integral
// numbers print without a fraction so 3 and 3.0 compare equal.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case nil:
		return "null", true
	default:
		return "", false
	}
}

// cloneValue deep-copies maps and slices produced by encoding/json.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		if val == nil {
			return []any(nil)
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
