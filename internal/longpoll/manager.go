package longpoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/looplab/fsm"

	"github.com/jpalmerr/pagesync/internal/metrics"
	"github.com/jpalmerr/pagesync/internal/transport"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultRetryDelay        = time.Second
	DefaultTimeout           = 60 * time.Second
	DefaultStartEvent        = "longpoll.start"
	DefaultFailureEvent      = "longpoll.failure"
)

// Manager states.
const (
	StateUninitialized = "uninitialized"
	StatePolling       = "polling"
	StateBackoff       = "backoff"
	StateHalted        = "halted"
)

const (
	eventStart = "start"
	eventFail  = "fail"
	eventRetry = "retry"
	eventHalt  = "halt"
)

// failure reasons carried by the failure event
const (
	ReasonInvalidPayload    = "invalid_payload"
	ReasonMaxFailedAttempts = "max_failed_attempts"
)

var (
	// ErrNotConfigured is returned by [New] when the queue or URI is missing.
	ErrNotConfigured = errors.New("longpoll: queue and uri are required")

	// ErrHalted is returned by [Manager.Run] after the failure cap is reached.
	ErrHalted = errors.New("longpoll: halted after repeated failures")

	// ErrRunning is returned by [Manager.Run] while another Run is active.
	ErrRunning = errors.New("longpoll: already running")
)

// Fetcher issues HTTP requests. *transport.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, r transport.Request) transport.Response
}

// Publisher fans events out by key. *events.Bus satisfies it.
type Publisher interface {
	Publish(key string, data json.RawMessage)
}

// Config configures a [Manager].
type Config struct {
	// Queue is the server-side queue key, sent as the uuid parameter.
	Queue string

	// URI is the long-poll endpoint.
	URI string

	// MaxFailedAttempts is the number of consecutive failures tolerated
	// before the manager halts. Defaults to 5.
	MaxFailedAttempts int

	// RetryDelay is the pause between failed attempts. Defaults to 1s.
	RetryDelay time.Duration

	// Timeout bounds one held-open request. Defaults to 60s.
	Timeout time.Duration

	// StartEvent is published when Run begins. Defaults to "longpoll.start".
	StartEvent string

	// FailureEvent is published on an invalid payload and when the failure
	// cap is reached. Defaults to "longpoll.failure".
	FailureEvent string

	// Repoll keeps polling after a successful poll.
	Repoll bool
}

// FailureNotice is the payload of the failure event.
type FailureNotice struct {
	Reason   string `json:"reason"`
	Sequence int    `json:"sequence"`
	Error    string `json:"error,omitempty"`
}

// Manager keeps one strictly sequential long-poll loop against a queue and
// publishes every delivered event under its event key.
//
// Every attempt uses the next sequence number, whether it succeeds or not,
// so the server always knows which event the client expects next.
type Manager struct {
	cfg     Config
	fetcher Fetcher
	bus     Publisher
	logger  *slog.Logger
	machine *fsm.FSM
	running atomic.Bool

	// pollMu serializes Poll; mu guards the counters
	pollMu         sync.Mutex
	mu             sync.Mutex
	sequence       int
	failedAttempts int
}

// New creates a [Manager]. It returns [ErrNotConfigured] if cfg lacks a
// queue or URI; callers treat that as long polling being absent.
func New(cfg Config, fetcher Fetcher, bus Publisher, logger *slog.Logger) (*Manager, error) {
	if cfg.Queue == "" || cfg.URI == "" {
		return nil, ErrNotConfigured
	}
	if fetcher == nil {
		return nil, errors.New("longpoll: fetcher is required")
	}
	if bus == nil {
		return nil, errors.New("longpoll: publisher is required")
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StartEvent == "" {
		cfg.StartEvent = DefaultStartEvent
	}
	if cfg.FailureEvent == "" {
		cfg.FailureEvent = DefaultFailureEvent
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		bus:     bus,
		logger:  logger,
	}
	m.machine = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: eventStart, Src: []string{StateUninitialized, StateHalted}, Dst: StatePolling},
			{Name: eventFail, Src: []string{StatePolling}, Dst: StateBackoff},
			{Name: eventRetry, Src: []string{StateBackoff}, Dst: StatePolling},
			{Name: eventHalt, Src: []string{StatePolling, StateBackoff}, Dst: StateHalted},
		},
		fsm.Callbacks{},
	)
	return m, nil
}

// Config returns the effective configuration, defaults applied.
func (m *Manager) Config() Config {
	return m.cfg
}

// State returns the current state.
func (m *Manager) State() string {
	return m.machine.Current()
}

// Sequence returns the last sequence number sent.
func (m *Manager) Sequence() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequence
}

// FailedAttempts returns the number of consecutive failed polls.
func (m *Manager) FailedAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedAttempts
}

// URL returns the request URL for sequence n: <uri>?uuid=<queue>&sequence=<n>.
func (m *Manager) URL(n int) string {
	sep := "?"
	if strings.Contains(m.cfg.URI, "?") {
		sep = "&"
	}
	return m.cfg.URI + sep + "uuid=" + url.QueryEscape(m.cfg.Queue) + "&sequence=" + strconv.Itoa(n)
}

// Poll issues one long-poll request with the next sequence number.
//
// A transport failure or non-2xx answer increments the failure counter and
// is returned as an error. Any other answer resets the counter. valid
// reports whether the body decoded to an event; a valid event is published
// under its key, an invalid one fires the failure event instead.
func (m *Manager) Poll(ctx context.Context) (valid bool, err error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.mu.Lock()
	m.sequence++
	seq := m.sequence
	m.mu.Unlock()

	resp := m.fetcher.Fetch(ctx, transport.Request{URL: m.URL(seq), Timeout: m.cfg.Timeout})

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if !resp.OK() {
		failure := resp.Error
		if failure == nil {
			failure = &transport.StatusError{Code: resp.StatusCode, Body: resp.Body}
		}

		m.mu.Lock()
		m.failedAttempts++
		attempts := m.failedAttempts
		m.mu.Unlock()

		metrics.ObserveLongPoll(metrics.ResultError, seq)
		m.logger.Warn("long poll failed",
			"sequence", seq,
			"failed_attempts", attempts,
			"latency_ms", resp.Latency.Milliseconds(),
			"error", failure.Error(),
		)
		return false, fmt.Errorf("long poll sequence %d: %w", seq, failure)
	}

	m.mu.Lock()
	m.failedAttempts = 0
	m.mu.Unlock()

	payload, ok := DecodePayload(resp.Body)
	if !ok {
		metrics.ObserveLongPoll(metrics.ResultInvalid, seq)
		m.logger.Warn("invalid long poll payload",
			"sequence", seq,
			"body_bytes", len(resp.Body),
		)
		m.publishFailure(FailureNotice{Reason: ReasonInvalidPayload, Sequence: seq})
		return false, nil
	}

	metrics.ObserveLongPoll(metrics.ResultOK, seq)
	m.logger.Debug("long poll event",
		"sequence", seq,
		"event_key", payload.EventKey,
		"latency_ms", resp.Latency.Milliseconds(),
	)
	m.bus.Publish(payload.EventKey, payload.EventData)
	return true, nil
}

// Run publishes the start event and polls until ctx is cancelled.
//
// Failed polls are retried after RetryDelay. Once MaxFailedAttempts
// consecutive polls fail, Run publishes the failure event, resets the
// failure counter and returns [ErrHalted]; calling Run again resumes with the
// next sequence number. With Repoll unset, Run returns nil after the first
// successful poll. Run returns nil when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)

	m.transition(eventStart)
	if err := m.publishJSON(m.cfg.StartEvent, map[string]any{"sequence": m.Sequence()}); err != nil {
		m.logger.Error("failed to publish start event", "error", err.Error())
	}
	m.logger.Info("long poll started",
		"uri", m.cfg.URI,
		"max_failed_attempts", m.cfg.MaxFailedAttempts,
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := retry.New(
			retry.Attempts(uint(m.cfg.MaxFailedAttempts)),
			retry.Delay(m.cfg.RetryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		).Do(func() error {
			if m.State() == StateBackoff {
				m.transition(eventRetry)
			}
			_, err := m.Poll(ctx)
			if err != nil {
				m.transition(eventFail)
			}
			return err
		})

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.halt(err)
			return ErrHalted
		}
		if m.State() == StateBackoff {
			m.transition(eventRetry)
		}
		if !m.cfg.Repoll {
			return nil
		}
	}
}

// halt publishes the terminal failure and resets the failure counter so a
// later Run starts counting from zero.
func (m *Manager) halt(cause error) {
	m.mu.Lock()
	m.failedAttempts = 0
	seq := m.sequence
	m.mu.Unlock()

	m.transition(eventHalt)
	metrics.ObserveLongPollHalt()
	m.logger.Error("long poll halted",
		"sequence", seq,
		"max_failed_attempts", m.cfg.MaxFailedAttempts,
		"error", cause.Error(),
	)
	m.publishFailure(FailureNotice{
		Reason:   ReasonMaxFailedAttempts,
		Sequence: seq,
		Error:    cause.Error(),
	})
}

func (m *Manager) publishFailure(n FailureNotice) {
	if err := m.publishJSON(m.cfg.FailureEvent, n); err != nil {
		m.logger.Error("failed to publish failure event", "error", err.Error())
	}
}

func (m *Manager) publishJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.bus.Publish(key, data)
	return nil
}

// transition fires a state machine event, ignoring self-transitions.
func (m *Manager) transition(event string) {
	err := m.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	m.logger.Error("invalid long poll transition",
		"event", event,
		"state", m.machine.Current(),
		"error", err.Error(),
	)
}
