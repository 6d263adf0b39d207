package refresh

import "errors"

// ErrNoUpdateFunc is returned when an updater has no apply function.
var ErrNoUpdateFunc = errors.New("refresh: no update function configured")

// ApplyFunc applies a successful payload to a target.
type ApplyFunc[T any] func(target T, data []byte) error

// Updater applies one caller-supplied function to one target.
//
// Update is synchronous and knows nothing about where data came from.
type Updater[T any] struct {
	target T
	apply  ApplyFunc[T]
}

// NewUpdater creates an [Updater] for target. A nil apply function fails
// fast with [ErrNoUpdateFunc].
func NewUpdater[T any](target T, apply ApplyFunc[T]) (*Updater[T], error) {
	if apply == nil {
		return nil, ErrNoUpdateFunc
	}
	return &Updater[T]{target: target, apply: apply}, nil
}

// Update invokes the apply function with the updater's target and data.
// Errors from the apply function are returned unchanged.
func (u *Updater[T]) Update(data []byte) error {
	if u == nil || u.apply == nil {
		return ErrNoUpdateFunc
	}
	return u.apply(u.target, data)
}
