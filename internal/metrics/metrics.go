// Package metrics exposes Prometheus collectors for the long-poll manager,
// the refresh tasks and the event bus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagesync"

// long-poll results
const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	longPollPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "longpoll",
			Name:      "polls_total",
			Help:      "Long-poll attempts by result (ok, invalid, error)",
		},
		[]string{"result"},
	)

	longPollHalts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "longpoll",
			Name:      "halts_total",
			Help:      "Times the long poll halted after reaching the failure cap",
		},
	)

	longPollSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "longpoll",
			Name:      "sequence",
			Help:      "Last sequence number sent to the long-poll queue",
		},
	)

	refreshRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "requests_total",
			Help:      "Refresh task rounds by result (ok, error, skipped)",
		},
		[]string{"task", "result"},
	)

	refreshLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "latency_seconds",
			Help:      "Round-trip time of refresh requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	refreshInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "interval_seconds",
			Help:      "Current adaptive interval of a refresh task",
		},
		[]string{"task"},
	)

	refreshStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "stopped_total",
			Help:      "Refresh tasks that reached their stop condition",
		},
		[]string{"task"},
	)

	eventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus",
		},
	)
)

// ObserveLongPoll records one long-poll attempt and the sequence it used.
func ObserveLongPoll(result string, sequence int) {
	longPollPolls.WithLabelValues(result).Inc()
	longPollSequence.Set(float64(sequence))
}

// ObserveLongPollHalt records the long poll reaching its failure cap.
func ObserveLongPollHalt() {
	longPollHalts.Inc()
}

// ObserveRefresh records one refresh round. elapsed is ignored for skipped rounds.
func ObserveRefresh(task, result string, elapsed time.Duration) {
	refreshRequests.WithLabelValues(task, result).Inc()
	if result != ResultSkipped {
		refreshLatency.WithLabelValues(task).Observe(elapsed.Seconds())
	}
}

// SetRefreshInterval records a task's current adaptive interval.
func SetRefreshInterval(task string, d time.Duration) {
	refreshInterval.WithLabelValues(task).Set(d.Seconds())
}

// ObserveRefreshStopped records a task reaching its stop condition.
func ObserveRefreshStopped(task string) {
	refreshStopped.WithLabelValues(task).Inc()
}

// ObserveEventPublished counts one bus publication.
func ObserveEventPublished() {
	eventsPublished.Inc()
}
