package pagesync

import (
	"errors"
	"net/url"
	"time"
)

const (
	defaultTaskInterval        = 5 * time.Second
	defaultShortProcessingTime = time.Second
	defaultLongProcessingTime  = 5 * time.Second
	defaultTaskTimeout         = 30 * time.Second
)

// Task describes one fragment kept in sync by periodically invoking a named
// read-only operation.
//
// Task is immutable after creation via [NewTask]. Getters return copies of
// mutable data.
type Task struct {
	name      string
	uri       string
	operation string
	interval  time.Duration
	short     time.Duration
	long      time.Duration
	timeout   time.Duration
	headers   map[string]string
	initial   map[string]any
	apply     ApplyFunc
	params    ParamsFunc
	stop      StopFunc
}

// Name returns the task name. The fragment the task maintains has the same name.
func (t Task) Name() string {
	return t.name
}

// URI returns the resource the operation is invoked on.
func (t Task) URI() string {
	return t.uri
}

// Operation returns the name of the remote operation, sent as ws.op.
func (t Task) Operation() string {
	return t.operation
}

// Interval returns the base refresh interval, which is also the lowest
// interval the adaptive schedule will use.
func (t Task) Interval() time.Duration {
	return t.interval
}

// ProcessingTimes returns the latency thresholds: rounds faster than short
// halve the interval, rounds slower than long double it.
func (t Task) ProcessingTimes() (short, long time.Duration) {
	return t.short, t.long
}

// Timeout returns the per-request timeout.
func (t Task) Timeout() time.Duration {
	return t.timeout
}

// Headers returns a copy of the request headers.
func (t Task) Headers() map[string]string {
	return copyMap(t.headers)
}

// InitialData returns a copy of the fragment's initial content.
func (t Task) InitialData() map[string]any {
	data, _ := cloneValue(t.initial).(map[string]any)
	return data
}

// NewTask creates a [Task] refreshing the fragment name from operation on uri.
//
// Without options the task merges every JSON object response into its
// fragment every 5 seconds, sends no parameters and never stops on its own.
//
// Example:
//
//	sel := pagesync.PendingSelector{
//	    List: "builds", IDField: "id", StatusField: "status",
//	    Pending: []string{"NEEDSBUILD", "BUILDING"}, Param: "build_ids",
//	}
//	task, err := pagesync.NewTask("builds", "https://example.com/+builds", "getBuildSummaries",
//	    pagesync.WithInterval(2*time.Second),
//	    pagesync.WithParams(pagesync.PendingParams(sel)),
//	    pagesync.WithStopCheck(pagesync.StopWhenNoPending(sel)),
//	)
func NewTask(name, uri, operation string, opts ...TaskOption) (Task, error) {
	if name == "" {
		return Task{}, errors.New("task name cannot be empty")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return Task{}, errors.New("invalid URI: " + err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Task{}, errors.New("URI must have a scheme (http:// or https://)")
	}

	cfg := &taskConfig{
		interval: defaultTaskInterval,
		short:    defaultShortProcessingTime,
		long:     defaultLongProcessingTime,
		timeout:  defaultTaskTimeout,
		headers:  make(map[string]string),
		apply:    MergeApply,
		stop:     NeverStop,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Task{}, err
		}
	}

	if cfg.short > cfg.long {
		return Task{}, errors.New("short processing time cannot exceed long processing time")
	}

	return Task{
		name:      name,
		uri:       uri,
		operation: operation,
		interval:  cfg.interval,
		short:     cfg.short,
		long:      cfg.long,
		timeout:   cfg.timeout,
		headers:   cfg.headers,
		initial:   cfg.initial,
		apply:     cfg.apply,
		params:    cfg.params,
		stop:      cfg.stop,
	}, nil
}

// copyMap returns a shallow copy of the map.
func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
