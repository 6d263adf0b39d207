package pagesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/pagesync/dashboard"
	"github.com/jpalmerr/pagesync/internal/events"
	"github.com/jpalmerr/pagesync/internal/longpoll"
	"github.com/jpalmerr/pagesync/internal/refresh"
	"github.com/jpalmerr/pagesync/internal/server"
	"github.com/jpalmerr/pagesync/internal/store"
	"github.com/jpalmerr/pagesync/internal/transport"
)

const defaultPort = 8080

// ErrAlreadyStarted is returned by [Page.Start] when called a second time.
var ErrAlreadyStarted = errors.New("page already started")

// Page keeps a set of fragments in sync with server state.
//
// A Page owns an event bus, one refresh loop per [Task] and optionally a
// long-poll event client. It is created using [New] with functional
// options and started with [Page.Start]:
//
//	page, err := pagesync.New(
//	    pagesync.WithTask(task),
//	    pagesync.WithLongPoll(queueKey, "https://example.com/+longpoll/"),
//	)
//	if err != nil {
//	    slog.Error("failed to create page", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	page.Start(ctx) // blocks until context cancelled
type Page struct {
	cfg       pageConfig
	logger    *slog.Logger
	bus       *events.Bus
	store     *store.MemoryStore
	fragments map[string]*Fragment

	started atomic.Bool

	mu       sync.Mutex
	manager  *longpoll.Manager
	runners  map[string]*refresh.Task[*Fragment]
	resume   chan struct{}
	lpParked atomic.Bool
}

// New creates a [Page] with the given options.
//
// At least one task or a long poll must be configured. Other options have
// defaults: port 8080, five tolerated long-poll failures, a 1 second retry
// delay and repolling after every successful poll.
func New(opts ...Option) (*Page, error) {
	cfg := pageConfig{
		port:              defaultPort,
		dashboard:         true,
		maxFailedAttempts: longpoll.DefaultMaxFailedAttempts,
		retryDelay:        longpoll.DefaultRetryDelay,
		longPollTimeout:   longpoll.DefaultTimeout,
		startEvent:        DefaultLongPollStartEvent,
		failureEvent:      DefaultLongPollFailureEvent,
		repoll:            true,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	longPoll := cfg.queue != "" && cfg.longPollURI != ""
	if len(cfg.tasks) == 0 && !longPoll {
		return nil, errors.New("at least one task or a long poll is required")
	}

	fragments := make(map[string]*Fragment, len(cfg.tasks))
	for _, t := range cfg.tasks {
		if t.name == "" {
			return nil, errors.New("task created without NewTask")
		}
		if _, dup := fragments[t.name]; dup {
			return nil, fmt.Errorf("duplicate task name: %q", t.name)
		}
		fragments[t.name] = newFragment(t.name, t.initial)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(logger)
	p := &Page{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		store:     store.NewMemoryStore(bus),
		fragments: fragments,
		runners:   make(map[string]*refresh.Task[*Fragment]),
		resume:    make(chan struct{}, 1),
	}

	for _, h := range cfg.handlers {
		p.On(h.key, h.fn)
	}

	return p, nil
}

// On registers fn for events published under key and returns a function
// that removes it. Handlers of other keys are never invoked.
//
// Handlers run synchronously and must not block. Panics are recovered and
// logged with a correlation ID.
func (p *Page) On(key string, fn func(Event)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	return p.bus.On(key, func(ev events.Event) {
		fn(fromBusEvent(ev))
	})
}

// Fragment returns the live fragment maintained by the named task.
func (p *Page) Fragment(name string) (*Fragment, bool) {
	f, ok := p.fragments[name]
	return f, ok
}

// Fragments returns the live fragments, sorted by name.
func (p *Page) Fragments() []*Fragment {
	out := make([]*Fragment, 0, len(p.fragments))
	for _, f := range p.fragments {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Tasks returns a copy of the configured tasks.
func (p *Page) Tasks() []Task {
	cp := make([]Task, len(p.cfg.tasks))
	copy(cp, p.cfg.tasks)
	return cp
}

// Port returns the configured dashboard port.
func (p *Page) Port() int {
	return p.cfg.port
}

// LongPollEnabled reports whether the page was configured with a long-poll
// queue and endpoint.
func (p *Page) LongPollEnabled() bool {
	return p.cfg.queue != "" && p.cfg.longPollURI != ""
}

// LongPollState returns the long-poll state (uninitialized, polling,
// backoff, halted), or "" when long polling is disabled or not started.
func (p *Page) LongPollState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manager == nil {
		return ""
	}
	return p.manager.State()
}

// ResumeLongPoll restarts a long poll that has halted after repeated
// failures, or that finished its single poll with repoll disabled. Failures
// are counted from zero again and the sequence continues where it stopped.
// Returns false if there is nothing to resume.
func (p *Page) ResumeLongPoll() bool {
	if !p.lpParked.Load() {
		return false
	}
	select {
	case p.resume <- struct{}{}:
	default:
	}
	return true
}

// TriggerTask wakes the named task: a task idling after a failed request
// retries, a scheduled one refreshes now. Returns false for an unknown,
// not yet started or stopped task.
func (p *Page) TriggerTask(name string) bool {
	p.mu.Lock()
	runner, ok := p.runners[name]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return runner.Trigger()
}

// Start runs every task and the long poll, and serves the dashboard.
//
// Start blocks until ctx is cancelled and returns nil on graceful shutdown.
// Polling failures never end Start; they are logged and published as
// events. Start returns an error if the dashboard cannot bind its port,
// and [ErrAlreadyStarted] if the page was started before.
func (p *Page) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if ctx.Err() != nil {
		return nil
	}

	p.logger.Info("pagesync starting",
		"task_count", len(p.cfg.tasks),
		"long_poll", p.LongPollEnabled(),
	)

	var clientOpts []transport.ClientOption
	if p.cfg.doer != nil {
		clientOpts = append(clientOpts, transport.WithDoer(p.cfg.doer))
	}
	client := transport.NewClient(clientOpts...)
	defer client.Close()

	manager, err := p.setupLongPollManager(client)
	if err != nil {
		return err
	}

	runners := make([]*refresh.Task[*Fragment], 0, len(p.cfg.tasks))
	for _, t := range p.cfg.tasks {
		runner, err := p.newRunner(t, client)
		if err != nil {
			return fmt.Errorf("task %q: %w", t.name, err)
		}
		runners = append(runners, runner)
	}

	g, gctx := errgroup.WithContext(ctx)

	if p.cfg.dashboard {
		var resume func() bool
		if manager != nil {
			resume = p.ResumeLongPoll
		}
		srv := server.NewServer(server.Config{
			Store:  p.store,
			Stream: p.bus,
			Resume: resume,
			Port:   p.cfg.port,
			Assets: dashboard.Assets,
			Title:  p.cfg.title,
		}, p.logger)
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		p.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", p.cfg.port))
	}

	for _, runner := range runners {
		runner := runner
		g.Go(func() error {
			if err := runner.Run(gctx); err != nil {
				p.logger.Error("refresh task ended", "task", runner.Name(), "error", err.Error())
			}
			return nil
		})
	}

	if manager != nil {
		g.Go(func() error {
			p.runLongPoll(gctx, manager)
			return nil
		})
	}

	err = g.Wait()
	p.logger.Info("pagesync stopped")
	return err
}

// setupLongPollManager creates the long-poll manager once. Without a queue
// or endpoint it returns nil and long polling stays disabled.
func (p *Page) setupLongPollManager(client *transport.Client) (*longpoll.Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager != nil {
		p.logger.Warn("long poll manager already initialized")
		return p.manager, nil
	}

	manager, err := longpoll.New(longpoll.Config{
		Queue:             p.cfg.queue,
		URI:               p.cfg.longPollURI,
		MaxFailedAttempts: p.cfg.maxFailedAttempts,
		RetryDelay:        p.cfg.retryDelay,
		Timeout:           p.cfg.longPollTimeout,
		StartEvent:        p.cfg.startEvent,
		FailureEvent:      p.cfg.failureEvent,
		Repoll:            p.cfg.repoll,
	}, client, p.bus, p.logger)
	if errors.Is(err, longpoll.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("long poll: %w", err)
	}

	p.manager = manager
	return manager, nil
}

// runLongPoll runs the manager and parks it whenever Run returns, until
// ResumeLongPoll or shutdown.
func (p *Page) runLongPoll(ctx context.Context, manager *longpoll.Manager) {
	for {
		err := manager.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("long poll parked", "error", err.Error())
		}

		p.lpParked.Store(true)
		select {
		case <-ctx.Done():
			return
		case <-p.resume:
			p.lpParked.Store(false)
			p.logger.Info("long poll resumed", "sequence", manager.Sequence())
		}
	}
}

// newRunner builds the refresh loop for t and registers it for TriggerTask.
// Every state change and round is mirrored into the store.
func (p *Page) newRunner(t Task, client *transport.Client) (*refresh.Task[*Fragment], error) {
	fragment := p.fragments[t.name]

	behavior := refresh.Funcs[*Fragment]{
		ApplyFn: p.guardApply(t.name, t.apply),
		DoneFn:  p.guardStop(t.name, t.stop),
	}
	if t.params != nil {
		behavior.ParamsFn = p.guardParams(t.name, t.params)
	}

	view := store.Fragment{
		Name:       t.name,
		State:      refresh.StateIdle,
		IntervalMs: t.interval.Milliseconds(),
	}
	mirror := func() {
		view.Data = fragment.Snapshot()
		view.UpdatedAt = time.Now()
		p.store.Update(view)
	}

	hooks := refresh.Hooks{
		OnState: func(state string) {
			view.State = state
			mirror()
		},
		OnRound: func(r refresh.Round) {
			view.IntervalMs = r.Interval.Milliseconds()
			view.Error = nil
			if r.Err != nil {
				msg := r.Err.Error()
				view.Error = &msg
			}
			mirror()
		},
	}

	runner, err := refresh.NewTask(refresh.Config{
		Name:                t.name,
		URI:                 t.uri,
		Operation:           t.operation,
		Interval:            t.interval,
		ShortProcessingTime: t.short,
		LongProcessingTime:  t.long,
		Timeout:             t.timeout,
		Headers:             copyMap(t.headers),
	}, fragment, behavior, client, hooks, p.logger)
	if err != nil {
		return nil, err
	}

	mirror()

	p.mu.Lock()
	p.runners[t.name] = runner
	p.mu.Unlock()
	return runner, nil
}

// The guards below keep a panicking user function from killing its task.

func (p *Page) guardApply(task string, fn ApplyFunc) refresh.ApplyFunc[*Fragment] {
	return func(f *Fragment, data []byte) (err error) {
		defer func() {
			if r := recover(); r != nil {
				id := p.logPanic("apply", task, r)
				err = fmt.Errorf("apply panicked (correlation_id %s): %v", id, r)
			}
		}()
		return fn(f, data)
	}
}

func (p *Page) guardParams(task string, fn ParamsFunc) ParamsFunc {
	return func(f *Fragment) (params map[string]any, ok bool) {
		defer func() {
			if r := recover(); r != nil {
				p.logPanic("params", task, r)
				params, ok = nil, false
			}
		}()
		return fn(f)
	}
}

func (p *Page) guardStop(task string, fn StopFunc) func(*Fragment) bool {
	return func(f *Fragment) (done bool) {
		defer func() {
			if r := recover(); r != nil {
				p.logPanic("stop check", task, r)
				done = false
			}
		}()
		return fn(f)
	}
}

func (p *Page) logPanic(kind, task string, r any) string {
	id := uuid.NewString()
	p.logger.Error(kind+" function panicked",
		"correlation_id", id,
		"task", task,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()),
	)
	return id
}
