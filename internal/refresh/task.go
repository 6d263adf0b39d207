package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/jpalmerr/pagesync/internal/metrics"
)

// Task states.
const (
	StateIdle      = "idle"
	StateAwaiting  = "awaiting_response"
	StateScheduled = "scheduled"
	StateStopped   = "stopped"
)

const (
	eventSend    = "send"
	eventSucceed = "succeed"
	eventSkip    = "skip"
	eventFail    = "fail"
	eventStop    = "stop"
)

var (
	// ErrStopped is returned by [Task.Run] once the task has stopped.
	ErrStopped = errors.New("refresh: task stopped")

	// ErrRunning is returned by [Task.Run] while another Run is active.
	ErrRunning = errors.New("refresh: task already running")
)

// Caller invokes a named read-only remote operation.
// *transport.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, uri, operation string, params map[string]any, headers map[string]string, timeout time.Duration) ([]byte, error)
}

// Behavior customizes a [Task] for one target.
type Behavior[T any] interface {
	// Apply applies a successful payload to the target.
	Apply(target T, data []byte) error

	// Params derives the next request's parameters from the target.
	// ok=false means there is nothing to request this round.
	Params(target T) (params map[string]any, ok bool)

	// Done reports whether the task should stop permanently.
	Done(target T) bool
}

// Funcs adapts three plain functions to [Behavior]. A nil ParamsFn sends no
// parameters every round; a nil DoneFn never stops; a nil ApplyFn makes
// every successful round fail with [ErrNoUpdateFunc].
type Funcs[T any] struct {
	ApplyFn  ApplyFunc[T]
	ParamsFn func(target T) (map[string]any, bool)
	DoneFn   func(target T) bool
}

// Apply implements [Behavior].
func (f Funcs[T]) Apply(target T, data []byte) error {
	if f.ApplyFn == nil {
		return ErrNoUpdateFunc
	}
	return f.ApplyFn(target, data)
}

// Params implements [Behavior].
func (f Funcs[T]) Params(target T) (map[string]any, bool) {
	if f.ParamsFn == nil {
		return nil, true
	}
	return f.ParamsFn(target)
}

// Done implements [Behavior].
func (f Funcs[T]) Done(target T) bool {
	if f.DoneFn == nil {
		return false
	}
	return f.DoneFn(target)
}

// Config describes the remote operation a [Task] polls and its cadence.
type Config struct {
	// Name identifies the task in logs and metrics.
	Name string

	// URI is the resource the operation is invoked on.
	URI string

	// Operation is the named read-only operation.
	Operation string

	// Interval is the base polling interval and the floor of the adaptive interval.
	Interval time.Duration

	// ShortProcessingTime: rounds faster than this halve the interval.
	ShortProcessingTime time.Duration

	// LongProcessingTime: rounds slower than this double the interval.
	LongProcessingTime time.Duration

	// Timeout bounds each request. Zero means no per-request timeout.
	Timeout time.Duration

	// Headers are sent with every request.
	Headers map[string]string
}

// Round describes the outcome of one polling round.
type Round struct {
	Elapsed  time.Duration
	Interval time.Duration
	Skipped  bool
	Err      error
}

// Hooks observe a task. Both are called from the task's goroutine.
type Hooks struct {
	// OnState is called on every state entry.
	OnState func(state string)

	// OnRound is called after every round that did not stop the task.
	OnRound func(Round)
}

// Task repeatedly calls one remote operation and applies the result to its target.
type Task[T any] struct {
	cfg      Config
	target   T
	behavior Behavior[T]
	updater  *Updater[T]
	caller   Caller
	hooks    Hooks
	logger   *slog.Logger

	machine  *fsm.FSM
	interval atomic.Int64
	running  atomic.Bool
	trigger  chan struct{}

	now func() time.Time
}

// NewTask creates a [Task] in the idle state.
func NewTask[T any](cfg Config, target T, behavior Behavior[T], caller Caller, hooks Hooks, logger *slog.Logger) (*Task[T], error) {
	if cfg.URI == "" {
		return nil, errors.New("refresh: uri is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("refresh: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.ShortProcessingTime > cfg.LongProcessingTime {
		return nil, fmt.Errorf("refresh: short processing time %s exceeds long processing time %s",
			cfg.ShortProcessingTime, cfg.LongProcessingTime)
	}
	if behavior == nil {
		return nil, errors.New("refresh: behavior is required")
	}
	if caller == nil {
		return nil, errors.New("refresh: caller is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Task[T]{
		cfg:      cfg,
		target:   target,
		behavior: behavior,
		caller:   caller,
		hooks:    hooks,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}

	updater, err := NewUpdater(target, behavior.Apply)
	if err != nil {
		return nil, err
	}
	t.updater = updater
	t.interval.Store(int64(cfg.Interval))

	t.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventSend, Src: []string{StateIdle, StateScheduled}, Dst: StateAwaiting},
			{Name: eventSucceed, Src: []string{StateAwaiting}, Dst: StateScheduled},
			{Name: eventSkip, Src: []string{StateIdle, StateScheduled}, Dst: StateScheduled},
			{Name: eventFail, Src: []string{StateAwaiting}, Dst: StateIdle},
			{Name: eventStop, Src: []string{StateIdle, StateAwaiting, StateScheduled}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if t.hooks.OnState != nil {
					t.hooks.OnState(e.Dst)
				}
			},
		},
	)

	return t, nil
}

// Name returns the configured task name.
func (t *Task[T]) Name() string {
	return t.cfg.Name
}

// State returns the current state.
func (t *Task[T]) State() string {
	return t.machine.Current()
}

// Interval returns the current adaptive interval.
func (t *Task[T]) Interval() time.Duration {
	return time.Duration(t.interval.Load())
}

// Trigger wakes a task that is idle after a failed request, or cuts short
// the wait of a scheduled one. It never causes overlapping requests: the
// wake-up is consumed by the task's own loop. Returns false once the task
// has stopped.
func (t *Task[T]) Trigger() bool {
	if t.State() == StateStopped {
		return false
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return true
}

// Run polls until the behavior reports done, or ctx is cancelled.
//
// Run blocks and returns nil in both cases. It returns [ErrStopped] if the
// task already stopped and [ErrRunning] if another Run is active.
func (t *Task[T]) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer t.running.Store(false)

	if t.State() == StateStopped {
		return ErrStopped
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		params, ok := t.behavior.Params(t.target)
		if !ok {
			if t.behavior.Done(t.target) {
				t.stop()
				return nil
			}
			t.transition(eventSkip)
			metrics.ObserveRefresh(t.cfg.Name, metrics.ResultSkipped, 0)
			t.report(Round{Interval: t.Interval(), Skipped: true})
			if !t.wait(ctx, t.Interval()) {
				return nil
			}
			continue
		}

		t.transition(eventSend)
		start := t.now()
		data, err := t.caller.Call(ctx, t.cfg.URI, t.cfg.Operation, params, t.cfg.Headers, t.cfg.Timeout)
		elapsed := t.now().Sub(start)

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Warn("refresh request failed",
				"task", t.cfg.Name,
				"operation", t.cfg.Operation,
				"latency_ms", elapsed.Milliseconds(),
				"error", err.Error(),
			)
			metrics.ObserveRefresh(t.cfg.Name, metrics.ResultError, elapsed)
			t.transition(eventFail)
			t.report(Round{Elapsed: elapsed, Interval: t.Interval(), Err: err})

			// no automatic retry: wait for an external trigger
			if !t.waitTrigger(ctx) {
				return nil
			}
			continue
		}

		applyErr := t.updater.Update(data)
		if applyErr != nil {
			t.logger.Error("refresh apply failed",
				"task", t.cfg.Name,
				"error", applyErr.Error(),
			)
		}

		interval := t.adapt(elapsed)
		metrics.ObserveRefresh(t.cfg.Name, metrics.ResultOK, elapsed)
		t.logger.Debug("refresh completed",
			"task", t.cfg.Name,
			"latency_ms", elapsed.Milliseconds(),
			"interval", interval.String(),
		)

		if t.behavior.Done(t.target) {
			t.stop()
			return nil
		}

		t.transition(eventSucceed)
		t.report(Round{Elapsed: elapsed, Interval: interval, Err: applyErr})
		if !t.wait(ctx, interval) {
			return nil
		}
	}
}

// adapt recomputes and stores the interval after a successful request.
func (t *Task[T]) adapt(elapsed time.Duration) time.Duration {
	next := NextInterval(t.Interval(), t.cfg.Interval, elapsed, t.cfg.ShortProcessingTime, t.cfg.LongProcessingTime)
	t.interval.Store(int64(next))
	metrics.SetRefreshInterval(t.cfg.Name, next)
	return next
}

func (t *Task[T]) stop() {
	t.transition(eventStop)
	metrics.ObserveRefreshStopped(t.cfg.Name)
	t.logger.Info("refresh task stopped", "task", t.cfg.Name)
}

// wait sleeps for d, returning early on a trigger. Returns false if ctx ends first.
func (t *Task[T]) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-t.trigger:
		return true
	}
}

// waitTrigger blocks until a trigger arrives. Returns false if ctx ends first.
func (t *Task[T]) waitTrigger(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-t.trigger:
		return true
	}
}

func (t *Task[T]) report(r Round) {
	if t.hooks.OnRound != nil {
		t.hooks.OnRound(r)
	}
}

// transition fires a state machine event. Self-transitions are not errors.
// Transitions are synchronous, so they are not bound to the run context.
func (t *Task[T]) transition(event string) {
	err := t.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	t.logger.Error("invalid refresh transition",
		"task", t.cfg.Name,
		"event", event,
		"state", t.machine.Current(),
		"error", err.Error(),
	)
}
