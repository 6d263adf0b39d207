package pagesync

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// pageConfig holds mutable state during Page construction.
type pageConfig struct {
	title     string
	port      int
	dashboard bool
	tasks     []Task
	logger    *slog.Logger
	doer      Doer
	handlers  []eventHandler

	queue             string
	longPollURI       string
	maxFailedAttempts int
	retryDelay        time.Duration
	longPollTimeout   time.Duration
	startEvent        string
	failureEvent      string
	repoll            bool
}

type eventHandler struct {
	key string
	fn  func(Event)
}

// Option configures a [Page] during construction. Options return an error
// if validation fails.
type Option func(*pageConfig) error

// WithTask adds a refresh [Task]. Task names must be unique within a page.
func WithTask(t Task) Option {
	return func(cfg *pageConfig) error {
		cfg.tasks = append(cfg.tasks, t)
		return nil
	}
}

// WithTasks adds several refresh tasks at once.
func WithTasks(tasks ...Task) Option {
	return func(cfg *pageConfig) error {
		cfg.tasks = append(cfg.tasks, tasks...)
		return nil
	}
}

// WithLongPoll enables the long-poll event client for the given queue key
// and endpoint. If either is empty, long polling is silently left disabled.
//
// Example:
//
//	page, err := pagesync.New(
//	    pagesync.WithLongPoll(queueKey, "https://example.com/+longpoll/"),
//	    pagesync.WithEventHandler("build-status", onBuildStatus),
//	)
func WithLongPoll(queue, uri string) Option {
	return func(cfg *pageConfig) error {
		cfg.queue = queue
		cfg.longPollURI = uri
		return nil
	}
}

// WithMaxFailedAttempts sets how many consecutive long-poll failures are
// tolerated before the long poll halts. Defaults to 5.
//
// Returns an error if n is zero or negative.
func WithMaxFailedAttempts(n int) Option {
	return func(cfg *pageConfig) error {
		if n <= 0 {
			return errors.New("max failed attempts must be positive")
		}
		cfg.maxFailedAttempts = n
		return nil
	}
}

// WithRetryDelay sets the pause after a failed long poll. Defaults to 1 second.
//
// Returns an error if the duration is zero or negative.
func WithRetryDelay(d time.Duration) Option {
	return func(cfg *pageConfig) error {
		if d <= 0 {
			return errors.New("retry delay must be positive")
		}
		cfg.retryDelay = d
		return nil
	}
}

// WithLongPollTimeout bounds how long one long-poll request may be held
// open. Defaults to 60 seconds.
//
// Returns an error if the duration is zero or negative.
func WithLongPollTimeout(d time.Duration) Option {
	return func(cfg *pageConfig) error {
		if d <= 0 {
			return errors.New("long poll timeout must be positive")
		}
		cfg.longPollTimeout = d
		return nil
	}
}

// WithLongPollEvents overrides the keys of the start and failure events.
// Defaults to [DefaultLongPollStartEvent] and [DefaultLongPollFailureEvent].
//
// Returns an error if either key is empty.
func WithLongPollEvents(start, failure string) Option {
	return func(cfg *pageConfig) error {
		if start == "" || failure == "" {
			return errors.New("long poll event keys cannot be empty")
		}
		cfg.startEvent = start
		cfg.failureEvent = failure
		return nil
	}
}

// WithRepoll controls whether the long poll continues after a successful
// poll. Defaults to true. With repoll disabled, each [Page.ResumeLongPoll]
// performs one more poll.
func WithRepoll(repoll bool) Option {
	return func(cfg *pageConfig) error {
		cfg.repoll = repoll
		return nil
	}
}

// WithHTTPClient replaces the HTTP client used by tasks and the long poll.
//
// Returns an error if d is nil.
func WithHTTPClient(d Doer) Option {
	return func(cfg *pageConfig) error {
		if d == nil {
			return errors.New("http client cannot be nil")
		}
		cfg.doer = d
		return nil
	}
}

// WithPort sets the HTTP port for the dashboard server. Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *pageConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTitle sets the dashboard title. Defaults to "PageSync".
func WithTitle(title string) Option {
	return func(cfg *pageConfig) error {
		cfg.title = title
		return nil
	}
}

// WithoutDashboard runs the page headless: no HTTP server is started.
func WithoutDashboard() Option {
	return func(cfg *pageConfig) error {
		cfg.dashboard = false
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *pageConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEventHandler registers fn for events published under key, before the
// page starts. It is equivalent to calling [Page.On] after [New].
//
// Handlers run synchronously on the publishing goroutine and must not
// block. Panics are recovered and logged. Nil handlers are ignored.
func WithEventHandler(key string, fn func(Event)) Option {
	return func(cfg *pageConfig) error {
		if key == "" {
			return errors.New("event key cannot be empty")
		}
		if fn == nil {
			return nil
		}
		cfg.handlers = append(cfg.handlers, eventHandler{key: key, fn: fn})
		return nil
	}
}
