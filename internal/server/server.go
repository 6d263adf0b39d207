package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/pagesync/internal/events"
	"github.com/jpalmerr/pagesync/internal/store"
)

const (
	// sseWriteTimeout bounds a single SSE write so a stalled client cannot
	// pin its handler. Must be <= shutdownTimeout.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	defaultTitle = "PageSync"

	// titlePlaceholder is replaced with the HTML-escaped title.
	titlePlaceholder = "{{.Title}}"
)

// Stream is the event source behind the SSE endpoint. *events.Bus satisfies it.
type Stream interface {
	SubscribeAll() <-chan events.Event
	Unsubscribe(ch <-chan events.Event)
	Last() []events.Event
}

// Config holds everything a [Server] serves.
type Config struct {
	// Store holds the fragments served by /api/fragments.
	Store store.Store

	// Stream feeds /api/events.
	Stream Stream

	// Resume re-triggers a halted long poll and reports whether it did.
	// Nil means long polling is disabled.
	Resume func() bool

	// Port is the TCP port to listen on.
	Port int

	// Assets holds assets/index.html. Nil disables the dashboard page.
	Assets fs.FS

	// Title replaces the title placeholder. Defaults to "PageSync".
	Title string
}

// Server serves the local dashboard, the fragment and event APIs and the
// Prometheus metrics.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a [Server]. It does not listen until [Server.Start].
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/fragments", s.handleFragments)
	r.Get("/api/events", s.handleSSE)
	r.Post("/api/longpoll/resume", s.handleResume)
	r.Handle("/metrics", promhttp.Handler())

	if s.cfg.Assets != nil {
		r.Get("/", s.handleDashboard)
	}
	return r
}

// Start binds the port and serves in the background until ctx is cancelled,
// then shuts down gracefully. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Port, err)
	}
	s.serve(ctx, ln)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	s.httpServer = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts derive from ctx, so SSE handlers end on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	content, err := fs.ReadFile(s.cfg.Assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(s.cfg.Title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

func (s *Server) handleFragments(w http.ResponseWriter, r *http.Request) {
	fragments := []store.Fragment{}
	if s.cfg.Store != nil {
		fragments = s.cfg.Store.GetAll()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(fragments); err != nil {
		s.logger.Error("failed to encode fragments response", "error", err)
	}
}

// handleResume answers 202 when a halted long poll was restarted and 409
// when long polling is disabled or not halted.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	resumed := s.cfg.Resume != nil && s.cfg.Resume()

	w.Header().Set("Content-Type", "application/json")
	if resumed {
		w.WriteHeader(http.StatusAccepted)
	} else {
		w.WriteHeader(http.StatusConflict)
	}
	if err := json.NewEncoder(w).Encode(map[string]bool{"resumed": resumed}); err != nil {
		s.logger.Error("failed to encode resume response", "error", err)
	}
}

// handleSSE replays the current fragments and the last event of every other
// key, then streams bus events until the client leaves or the server stops.
// Each frame is written with a deadline.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	if s.cfg.Stream == nil {
		http.Error(w, "event stream not configured", http.StatusServiceUnavailable)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	// each frame carries one events.Event as JSON
	writeEvent := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("failed to encode sse frame", "event_key", ev.Key, "error", err)
			return nil
		}
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// subscribe before replaying so nothing published in between is lost
	ch := s.cfg.Stream.SubscribeAll()
	defer s.cfg.Stream.Unsubscribe(ch)

	if s.cfg.Store != nil {
		for _, f := range s.cfg.Store.GetAll() {
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			frame := events.Event{Key: store.FragmentTopic, Data: data, PublishedAt: f.UpdatedAt}
			if err := writeEvent(frame); err != nil {
				return
			}
		}
	}
	for _, ev := range s.cfg.Stream.Last() {
		if ev.Key == store.FragmentTopic {
			continue
		}
		if err := writeEvent(ev); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(ev); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and on server shutdown
			return
		}
	}
}
