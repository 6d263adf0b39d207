package pagesync

import (
	"errors"
	"time"
)

// taskConfig holds mutable state during task construction.
type taskConfig struct {
	interval time.Duration
	short    time.Duration
	long     time.Duration
	timeout  time.Duration
	headers  map[string]string
	initial  map[string]any
	apply    ApplyFunc
	params   ParamsFunc
	stop     StopFunc
}

// TaskOption configures a [Task] during construction. Options return an
// error if validation fails.
type TaskOption func(*taskConfig) error

// WithInterval sets the base refresh interval. Defaults to 5 seconds.
//
// Returns an error if the duration is zero or negative.
func WithInterval(d time.Duration) TaskOption {
	return func(cfg *taskConfig) error {
		if d <= 0 {
			return errors.New("interval must be positive")
		}
		cfg.interval = d
		return nil
	}
}

// WithProcessingTimes sets the latency thresholds that drive the adaptive
// interval. A round slower than long doubles the interval; a round faster
// than short halves it, never below the base interval. Defaults to 1s and 5s.
//
// Returns an error if either value is negative or short exceeds long.
func WithProcessingTimes(short, long time.Duration) TaskOption {
	return func(cfg *taskConfig) error {
		if short < 0 || long < 0 {
			return errors.New("processing times cannot be negative")
		}
		if short > long {
			return errors.New("short processing time cannot exceed long processing time")
		}
		cfg.short = short
		cfg.long = long
		return nil
	}
}

// WithTimeout sets the per-request timeout. Defaults to 30 seconds.
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) TaskOption {
	return func(cfg *taskConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithHeaders adds request headers as key-value pairs.
//
//	pagesync.WithHeaders("Authorization", "Bearer token")
//
// Returns an error if an odd number of arguments is provided.
func WithHeaders(keyValues ...string) TaskOption {
	return func(cfg *taskConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithHeaders requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithApply sets how a response is applied to the fragment. Defaults to [MergeApply].
//
// Returns an error if fn is nil.
func WithApply(fn ApplyFunc) TaskOption {
	return func(cfg *taskConfig) error {
		if fn == nil {
			return errors.New("apply function cannot be nil")
		}
		cfg.apply = fn
		return nil
	}
}

// WithParams sets how request parameters are derived. Without it every
// request is sent without parameters. A nil fn is ignored.
func WithParams(fn ParamsFunc) TaskOption {
	return func(cfg *taskConfig) error {
		cfg.params = fn
		return nil
	}
}

// WithStopCheck sets the check that stops the task for good. Defaults to
// [NeverStop]. A nil fn is ignored.
func WithStopCheck(fn StopFunc) TaskOption {
	return func(cfg *taskConfig) error {
		if fn != nil {
			cfg.stop = fn
		}
		return nil
	}
}

// WithInitialData seeds the fragment before the first request. Parameter
// functions see this content on the first round.
func WithInitialData(data map[string]any) TaskOption {
	return func(cfg *taskConfig) error {
		cfg.initial, _ = cloneValue(data).(map[string]any)
		return nil
	}
}
