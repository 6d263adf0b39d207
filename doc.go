// Package pagesync keeps named view fragments in sync with server state
// without a full reload.
//
// A [Page] combines two update mechanisms:
//
//   - Refresh tasks: each [Task] invokes a named read-only operation on a
//     resource, applies the result to its [Fragment], and reschedules itself
//     on an interval that adapts to the observed latency.
//   - Long poll: a strictly sequential loop against a server-side event
//     queue. Every delivered event is published under its event key to the
//     handlers registered with [Page.On] or [WithEventHandler].
//
// # Quick Start
//
//	task, _ := pagesync.NewTask("builds", "https://example.com/+builds", "getBuildSummaries")
//	page, _ := pagesync.New(
//	    pagesync.WithTask(task),
//	    pagesync.WithLongPoll(queueKey, "https://example.com/+longpoll/"),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	page.Start(ctx) // blocks until ctx is cancelled
//
// # Adaptive Interval
//
// After every successful round a task compares the round-trip time with its
// processing times: slower than long doubles the interval, faster than short
// halves it. The interval never drops below the base set by [WithInterval].
// Requests of one task never overlap.
//
// A failed request is not retried. The task idles until [Page.TriggerTask].
//
// # Behaviors
//
// How a task talks to its fragment is set with [WithApply], [WithParams] and
// [WithStopCheck]. Built-ins cover the common cases:
//
//   - [MergeApply], [ReplaceApply], [FieldApply]
//   - [StaticParams], [PendingParams]
//   - [NeverStop], [StopWhenField], [StopWhenNoPending]
//
// # Long Poll
//
// Each request carries the queue key and a sequence number that grows by one
// per attempt. After [WithMaxFailedAttempts] consecutive failures the long
// poll halts and publishes the failure event; [Page.ResumeLongPoll] restarts
// it.
//
// # Architecture
//
//   - internal/transport: HTTP client and operation URLs
//   - internal/refresh: adaptive refresh loop
//   - internal/longpoll: long-poll manager
//   - internal/events: topic event bus
//   - internal/store: fragment snapshots for the dashboard
//   - internal/server: dashboard, REST, SSE and metrics
//   - internal/metrics: Prometheus collectors
//   - dashboard: embedded web UI
package pagesync
