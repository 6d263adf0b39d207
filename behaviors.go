package pagesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ApplyFunc applies a successful response body to a fragment.
type ApplyFunc func(f *Fragment, data []byte) error

// ParamsFunc derives the next request's parameters from a fragment.
// ok=false means there is nothing to request this round; the task then asks
// its [StopFunc] whether to stop or just skip the round.
type ParamsFunc func(f *Fragment) (params map[string]any, ok bool)

// StopFunc reports whether a task should stop refreshing for good.
type StopFunc func(f *Fragment) bool

// MergeApply decodes a JSON object and merges its keys into the fragment.
// It is the default [ApplyFunc].
var MergeApply ApplyFunc = func(f *Fragment, data []byte) error {
	obj, err := decodeObject(data)
	if err != nil {
		return err
	}
	f.Merge(obj)
	return nil
}

// ReplaceApply decodes a JSON object and replaces the fragment content with it.
var ReplaceApply ApplyFunc = func(f *Fragment, data []byte) error {
	obj, err := decodeObject(data)
	if err != nil {
		return err
	}
	f.Replace(obj)
	return nil
}

// FieldApply returns an [ApplyFunc] that extracts the value at path (dot
// notation, array indexes allowed) from the response and stores it under key.
// An empty path stores the whole decoded response.
//
// Example:
//
//	// For response: {"data": {"builds": [...]}}
//	apply := pagesync.FieldApply("data.builds", "builds")
func FieldApply(path, key string) ApplyFunc {
	return func(f *Fragment, data []byte) error {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		value, ok := lookupPath(decoded, path)
		if !ok {
			return fmt.Errorf("field %q not found in response", path)
		}
		f.Set(key, value)
		return nil
	}
}

// StaticParams returns a [ParamsFunc] that sends the same parameters every round.
func StaticParams(params map[string]any) ParamsFunc {
	fixed := make(map[string]any, len(params))
	for k, v := range params {
		fixed[k] = cloneValue(v)
	}
	return func(*Fragment) (map[string]any, bool) {
		out := make(map[string]any, len(fixed))
		for k, v := range fixed {
			out[k] = cloneValue(v)
		}
		return out, true
	}
}

// PendingSelector locates items that still need refreshing inside a fragment.
//
// For a fragment holding
//
//	{"builds": [{"id": 1, "status": "BUILDING"}, {"id": 2, "status": "FULLYBUILT"}]}
//
// the selector {List: "builds", IDField: "id", StatusField: "status",
// Pending: ["BUILDING"], Param: "build_ids"} selects build 1.
type PendingSelector struct {
	// List is the dot path of the array of items.
	List string

	// IDField names the item field collected into the request.
	IDField string

	// StatusField names the item field compared against Pending.
	StatusField string

	// Pending lists the status values that still need refreshing.
	Pending []string

	// Param is the request parameter the collected IDs are sent under.
	Param string
}

// Validate reports a selector missing a required field.
func (s PendingSelector) Validate() error {
	switch {
	case s.List == "":
		return errors.New("pending selector: list is required")
	case s.IDField == "":
		return errors.New("pending selector: id field is required")
	case s.StatusField == "":
		return errors.New("pending selector: status field is required")
	case len(s.Pending) == 0:
		return errors.New("pending selector: at least one pending status is required")
	case s.Param == "":
		return errors.New("pending selector: param is required")
	}
	return nil
}

// pendingIDs returns the IDs of pending items and whether the list exists.
func (s PendingSelector) pendingIDs(f *Fragment) (ids []any, found bool) {
	raw, ok := f.Get(s.List)
	if !ok {
		return nil, false
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, false
	}

	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		status, ok := scalarString(obj[s.StatusField])
		if !ok || !slices.Contains(s.Pending, status) {
			continue
		}
		if id, ok := obj[s.IDField]; ok {
			ids = append(ids, id)
		}
	}
	return ids, true
}

// PendingParams returns a [ParamsFunc] that collects the IDs of pending
// items and sends them as one JSON array parameter. With nothing pending it
// reports ok=false.
func PendingParams(sel PendingSelector) ParamsFunc {
	return func(f *Fragment) (map[string]any, bool) {
		ids, _ := sel.pendingIDs(f)
		if len(ids) == 0 {
			return nil, false
		}
		return map[string]any{sel.Param: ids}, true
	}
}

// NeverStop is a [StopFunc] that keeps a task running until its context ends.
// It is the default.
var NeverStop StopFunc = func(*Fragment) bool { return false }

// StopWhenField returns a [StopFunc] that stops once the value at path
// equals value. Scalars are compared by their JSON text, so 3 matches 3.0
// and "true" matches true.
func StopWhenField(path string, value any) StopFunc {
	want, scalar := scalarString(value)
	return func(f *Fragment) bool {
		got, ok := f.Get(path)
		if !ok {
			return false
		}
		if s, ok := scalarString(got); ok && scalar {
			return s == want
		}
		a, errA := json.Marshal(got)
		b, errB := json.Marshal(value)
		return errA == nil && errB == nil && bytes.Equal(a, b)
	}
}

// StopWhenNoPending returns a [StopFunc] that stops once the selected list
// exists and none of its items is pending. A fragment that has not loaded
// the list yet keeps its task running.
func StopWhenNoPending(sel PendingSelector) StopFunc {
	return func(f *Fragment) bool {
		ids, found := sel.pendingIDs(f)
		return found && len(ids) == 0
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if obj == nil {
		return nil, errors.New("decode response: expected a JSON object")
	}
	return obj, nil
}
