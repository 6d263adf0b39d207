// Package mock serves a fake upstream for the PageSync demos: a build
// archive answering ws.op=getBuildSummaries, and a long-poll queue that
// emits an event whenever a build changes status.
package mock

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Build statuses, in the order a build moves through them.
const (
	StatusNeedsBuild  = "NEEDSBUILD"
	StatusBuilding    = "BUILDING"
	StatusFullyBuilt  = "FULLYBUILT"
	StatusFailedBuild = "FAILEDTOBUILD"
)

// BuildStatusEvent is the key of the events pushed on every status change.
const BuildStatusEvent = "build-status"

// HeartbeatEvent is returned when a held poll times out without an event.
const HeartbeatEvent = "queue.heartbeat"

const defaultHold = 25 * time.Second

// Build is one entry of the archive.
type Build struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

type queuedEvent struct {
	Key  string `json:"event_key"`
	Data any    `json:"event_data"`
}

// Server is the fake upstream. Create it with [New], mount [Server.Handler]
// and drive the builds with [Server.Run] or [Server.Advance].
type Server struct {
	queue  string
	hold   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	builds  []Build
	pending []queuedEvent
	notify  chan struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithQueue fixes the queue key instead of generating one.
func WithQueue(key string) Option {
	return func(s *Server) {
		if key != "" {
			s.queue = key
		}
	}
}

// WithHold sets how long a poll is held open without an event.
func WithHold(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.hold = d
		}
	}
}

// New creates a server with n builds, all waiting to be built.
func New(n int, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queue:  uuid.NewString(),
		hold:   defaultHold,
		logger: logger,
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := 1; i <= n; i++ {
		s.builds = append(s.builds, Build{ID: i, Status: StatusNeedsBuild})
	}
	return s
}

// Queue returns the long-poll queue key.
func (s *Server) Queue() string {
	return s.queue
}

// Builds returns a copy of the builds.
func (s *Server) Builds() []Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Build(nil), s.builds...)
}

// Handler returns the router:
//
//	GET /+builds?ws.op=getBuildSummaries[&build_ids=[1,2]]
//	GET /+longpoll/?uuid=<queue>&sequence=<n>
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/+builds", s.handleBuilds)
	r.Get("/+longpoll/", s.handleLongPoll)
	return r
}

// Run advances a random unfinished build every tick until all builds are
// finished or ctx is cancelled.
func (s *Server) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Advance() {
				s.logger.Info("all builds finished")
				return
			}
		}
	}
}

// Advance moves one unfinished build to its next status and queues an
// event for it. Returns false when every build is finished.
func (s *Server) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []int
	for i, b := range s.builds {
		if b.Status == StatusNeedsBuild || b.Status == StatusBuilding {
			open = append(open, i)
		}
	}
	if len(open) == 0 {
		return false
	}

	b := &s.builds[open[rand.Intn(len(open))]]
	from := b.Status
	switch b.Status {
	case StatusNeedsBuild:
		b.Status = StatusBuilding
	case StatusBuilding:
		b.Status = StatusFullyBuilt
		if rand.Intn(4) == 0 {
			b.Status = StatusFailedBuild
		}
	}
	s.logger.Info("build status change", "build", b.ID, "from", from, "to", b.Status)

	s.pending = append(s.pending, queuedEvent{Key: BuildStatusEvent, Data: *b})
	close(s.notify)
	s.notify = make(chan struct{})
	return true
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if op := r.URL.Query().Get("ws.op"); op != "getBuildSummaries" {
		http.Error(w, "unknown operation "+strconv.Quote(op), http.StatusBadRequest)
		return
	}

	var ids []int
	if raw := r.URL.Query().Get("build_ids"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			http.Error(w, "build_ids must be a JSON array of integers", http.StatusBadRequest)
			return
		}
	}

	// simulate small latency variance
	time.Sleep(time.Duration(20+rand.Intn(80)) * time.Millisecond)

	// the full list is returned so a merge keeps every build; the ids
	// only have to be known
	builds := s.Builds()
	known := make(map[int]bool, len(builds))
	for _, b := range builds {
		known[b.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			http.Error(w, "unknown build "+strconv.Itoa(id), http.StatusNotFound)
			return
		}
	}

	writeJSON(w, map[string]any{"builds": builds}, s.logger)
}

// handleLongPoll hands out queued events one per request, holding the
// request open until one is available.
func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("uuid") != s.queue {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	sequence, err := strconv.Atoi(r.URL.Query().Get("sequence"))
	if err != nil || sequence < 1 {
		http.Error(w, "sequence must be a positive integer", http.StatusBadRequest)
		return
	}

	timer := time.NewTimer(s.hold)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			s.logger.Debug("event delivered", "sequence", sequence, "event_key", ev.Key)
			writeJSON(w, ev, s.logger)
			return
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			writeJSON(w, queuedEvent{Key: HeartbeatEvent, Data: map[string]int{"sequence": sequence}}, s.logger)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}
