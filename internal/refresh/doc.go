// Package refresh keeps a target in sync with a named remote operation by
// polling it on an adaptive interval.
//
// An [Updater] applies one payload to one target. A [Task] wraps an Updater
// in a self-rescheduling loop: it asks its [Behavior] for request
// parameters, calls the operation, applies the result, recomputes the
// interval from the observed latency with [NextInterval], and asks the
// Behavior whether to stop.
//
// Requests of one Task never overlap: the next timer is armed only after
// the previous request has concluded. A failed request is not retried; the
// task idles until [Task.Trigger] is called.
package refresh
