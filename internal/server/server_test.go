package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jpalmerr/pagesync/internal/events"
	"github.com/jpalmerr/pagesync/internal/store"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires a server to a real bus and a store publishing to it.
func newTestServer(cfg Config) (*Server, *events.Bus, *store.MemoryStore) {
	bus := events.NewBus(testLogger())
	st := store.NewMemoryStore(bus)
	cfg.Store = st
	cfg.Stream = bus
	return NewServer(cfg, testLogger()), bus, st
}

// sseFrames decodes every data frame of an SSE body.
func sseFrames(t *testing.T, body string) []events.Event {
	t.Helper()
	var frames []events.Event
	for _, chunk := range strings.Split(body, "\n\n") {
		line, ok := strings.CutPrefix(chunk, "data: ")
		if !ok {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("invalid frame %q: %v", line, err)
		}
		frames = append(frames, ev)
	}
	return frames
}

func TestHandleSSE_ReplaysFragments(t *testing.T) {
	srv, _, st := newTestServer(Config{})
	st.Update(store.Fragment{Name: "builds", State: "scheduled"})
	st.Update(store.Fragment{Name: "summary", State: "stopped"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	body := rec.Body.String()
	for _, name := range []string{`"name":"builds"`, `"name":"summary"`} {
		if !strings.Contains(body, name) {
			t.Errorf("response should contain %s, got: %s", name, body)
		}
	}
	// fragments are replayed from the store, not again from the bus history
	if got := strings.Count(body, `"key":"`+store.FragmentTopic+`"`); got != 2 {
		t.Errorf("fragment frames = %d, want 2; body: %s", got, body)
	}
}

func TestHandleSSE_ReplaysLastEvents(t *testing.T) {
	srv, bus, _ := newTestServer(Config{})
	bus.Publish("my-event", json.RawMessage(`{"5":"i"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1; body: %s", len(frames), rec.Body.String())
	}
	if frames[0].Key != "my-event" {
		t.Errorf("Key = %q, want my-event", frames[0].Key)
	}
	if string(frames[0].Data) != `{"5":"i"}` {
		t.Errorf("Data = %s, want %s", frames[0].Data, `{"5":"i"}`)
	}
}

func TestHandleSSE_StreamsEvents(t *testing.T) {
	srv, bus, st := newTestServer(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)

	bus.Publish("longpoll.start", json.RawMessage(`{"sequence":0}`))
	st.Update(store.Fragment{Name: "NewFragment"})

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"key":"longpoll.start"`) {
		t.Errorf("response should contain streamed longpoll.start, got: %s", body)
	}
	if !strings.Contains(body, "NewFragment") {
		t.Errorf("response should contain streamed fragment, got: %s", body)
	}
}

func TestHandleSSE_ClientDisconnect(t *testing.T) {
	srv, _, _ := newTestServer(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit after client disconnect")
	}
}

func TestHandleSSE_NoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	srv, _, _ := newTestServer(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}

func TestHandleSSE_ConcurrentClientsShutdown(t *testing.T) {
	srv, _, st := newTestServer(Config{})
	st.Update(store.Fragment{Name: "f"})

	serverCtx, serverCancel := context.WithCancel(context.Background())

	numClients := 10
	var wg sync.WaitGroup
	started := make(chan struct{})
	var startedCount atomic.Int32

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(serverCtx)
			rec := httptest.NewRecorder()

			if startedCount.Add(1) == int32(numClients) {
				close(started)
			}
			srv.handleSSE(rec, req)
		}()
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("clients did not start in time")
	}

	time.Sleep(100 * time.Millisecond)
	serverCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all handlers exited after shutdown")
	}
}

type nonFlushWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func (n *nonFlushWriter) Header() http.Header {
	return n.header
}

func (n *nonFlushWriter) Write(b []byte) (int, error) {
	n.body = append(n.body, b...)
	return len(b), nil
}

func (n *nonFlushWriter) WriteHeader(statusCode int) {
	n.statusCode = statusCode
}

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv, _, _ := newTestServer(Config{})

	w := &nonFlushWriter{header: make(http.Header)}
	srv.handleSSE(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if w.statusCode != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.statusCode)
	}
}

func TestHandleSSE_NoStream(t *testing.T) {
	srv := NewServer(Config{}, testLogger())

	rec := httptest.NewRecorder()
	srv.handleSSE(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHandleSSE_Headers(t *testing.T) {
	srv, _, _ := newTestServer(Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	expectedHeaders := map[string]string{
		"Content-Type":                "text/event-stream",
		"Cache-Control":               "no-cache",
		"Connection":                  "keep-alive",
		"Access-Control-Allow-Origin": "*",
	}
	for key, expected := range expectedHeaders {
		if got := rec.Header().Get(key); got != expected {
			t.Errorf("header %s = %q, want %q", key, got, expected)
		}
	}
}

func TestHandleFragments(t *testing.T) {
	srv, _, st := newTestServer(Config{})
	st.Update(store.Fragment{Name: "b", Data: map[string]any{"status": "BUILDING"}})
	st.Update(store.Fragment{Name: "a", State: "stopped"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fragments", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got []store.Fragment
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "b" {
		t.Fatalf("fragments = %+v, want [a b]", got)
	}
	if got[1].Data["status"] != "BUILDING" {
		t.Errorf("b.Data[status] = %v, want BUILDING", got[1].Data["status"])
	}
}

func TestHandleFragments_EmptyIsArray(t *testing.T) {
	srv := NewServer(Config{}, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fragments", nil))

	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestHandleResume(t *testing.T) {
	tests := []struct {
		name   string
		resume func() bool
		want   int
	}{
		{name: "long poll disabled", resume: nil, want: http.StatusConflict},
		{name: "not halted", resume: func() bool { return false }, want: http.StatusConflict},
		{name: "resumed", resume: func() bool { return true }, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(Config{Resume: tt.resume}, testLogger())

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/longpoll/resume", nil))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleResume_RejectsGet(t *testing.T) {
	srv := NewServer(Config{Resume: func() bool { return true }}, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/longpoll/resume", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, bus, _ := newTestServer(Config{})
	bus.Publish("k", json.RawMessage(`1`))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pagesync_events_published_total") {
		t.Error("metrics output should contain pagesync_events_published_total")
	}
}

func TestHandleDashboard_TitleEscaped(t *testing.T) {
	assets := fstest.MapFS{
		"assets/index.html": &fstest.MapFile{Data: []byte("<title>{{.Title}}</title>")},
	}
	srv := NewServer(Config{Assets: assets, Title: "<b>Builds</b>"}, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := "<title>&lt;b&gt;Builds&lt;/b&gt;</title>"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestHandleDashboard_DefaultTitle(t *testing.T) {
	assets := fstest.MapFS{
		"assets/index.html": &fstest.MapFile{Data: []byte("{{.Title}}")},
	}
	srv := NewServer(Config{Assets: assets}, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Body.String() != defaultTitle {
		t.Errorf("body = %q, want %q", rec.Body.String(), defaultTitle)
	}
}

func TestHandleDashboard_Disabled(t *testing.T) {
	srv := NewServer(Config{}, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv, _, st := newTestServer(Config{Port: 0})
	st.Update(store.Fragment{Name: "f"})

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("Addr() = %q: %v", srv.Addr(), err)
	}

	resp, err := http.Get("http://127.0.0.1:" + port + "/api/fragments")
	if err != nil {
		t.Fatalf("GET /api/fragments: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"name":"f"`) {
		t.Errorf("body = %s, want fragment f", body)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get("http://127.0.0.1:" + port + "/api/fragments"); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("server still accepting connections after shutdown")
}

func TestServer_StartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := NewServer(Config{Port: port}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Error("Start() on a bound port should fail")
	}
}
