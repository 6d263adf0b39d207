package pagesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/pagesync/internal/refresh"
	"github.com/jpalmerr/pagesync/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPage runs p.Start in the background and returns a stop function that
// cancels and waits for Start to return.
func startPage(t *testing.T, p *Page) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Start() did not return after cancel")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPage_StartBlocksUntilCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	task, err := NewTask("t", srv.URL, "getSummary", WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	p, err := New(WithTask(task), WithoutDashboard(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stop := startPage(t, p)
	time.Sleep(50 * time.Millisecond)
	if err := stop(); err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
}

func TestPage_StartCancelledContext(t *testing.T) {
	p, err := New(WithTask(mustTask(t, "t")), WithoutDashboard(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Start(ctx); err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
}

func TestPage_StartTwice(t *testing.T) {
	p, err := New(WithTask(mustTask(t, "t")), WithoutDashboard(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Start(ctx)

	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestPage_RefreshUntilNothingPending(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Query().Get("ws.op")+" "+r.URL.Query().Get("build_ids"))
		mu.Unlock()
		fmt.Fprint(w, `{"builds":[{"id":1,"status":"FULLYBUILT"},{"id":2,"status":"FAILEDTOBUILD"}]}`)
	}))
	defer srv.Close()

	sel := PendingSelector{
		List: "builds", IDField: "id", StatusField: "status",
		Pending: []string{"NEEDSBUILD", "BUILDING"}, Param: "build_ids",
	}
	task, err := NewTask("builds", srv.URL+"/+builds", "getBuildSummaries",
		WithInterval(10*time.Millisecond),
		WithInitialData(map[string]any{"builds": []any{
			map[string]any{"id": 1, "status": "NEEDSBUILD"},
			map[string]any{"id": 2, "status": "FAILEDTOBUILD"},
		}}),
		WithParams(PendingParams(sel)),
		WithStopCheck(StopWhenNoPending(sel)),
	)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}

	var stopped atomic.Bool
	p, err := New(
		WithTask(task),
		WithoutDashboard(),
		WithLogger(discardLogger()),
		WithEventHandler(FragmentEvent, func(ev Event) {
			var f store.Fragment
			if ev.Decode(&f) == nil && f.Name == "builds" && f.State == refresh.StateStopped {
				stopped.Store(true)
			}
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stop := startPage(t, p)
	defer stop()

	waitFor(t, "task to stop", stopped.Load)

	mu.Lock()
	got := append([]string(nil), requests...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "getBuildSummaries [1]" {
		t.Errorf("requests = %v, want [getBuildSummaries [1]]", got)
	}

	f, _ := p.Fragment("builds")
	if status, _ := f.Get("builds.0.status"); status != "FULLYBUILT" {
		t.Errorf("builds.0.status = %v, want FULLYBUILT", status)
	}
	if p.TriggerTask("builds") {
		t.Error("TriggerTask() on a stopped task = true")
	}
	if p.TriggerTask("unknown") {
		t.Error("TriggerTask() on an unknown task = true")
	}
}

func TestPage_PanickingApplyKeepsTaskAlive(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	task, err := NewTask("t", srv.URL, "op",
		WithInterval(5*time.Millisecond),
		WithProcessingTimes(0, time.Second),
		WithApply(func(*Fragment, []byte) error { panic("boom") }),
	)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	p, err := New(WithTask(task), WithoutDashboard(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stop := startPage(t, p)
	waitFor(t, "repeated rounds", func() bool { return calls.Load() >= 3 })
	if err := stop(); err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

func TestPage_LongPollDeliversEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uuid") != "queue-1" {
			http.Error(w, "unknown queue", http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("sequence") == "1" {
			fmt.Fprint(w, `{"event_key":"build-status","event_data":{"id":1,"status":"FULLYBUILT"}}`)
			return
		}
		// hold later polls open until the client gives up
		<-r.Context().Done()
	}))
	defer srv.Close()

	received := make(chan Event, 1)
	started := make(chan struct{}, 1)
	p, err := New(
		WithLongPoll("queue-1", srv.URL+"/+longpoll/"),
		WithoutDashboard(),
		WithLogger(discardLogger()),
		WithEventHandler("build-status", func(ev Event) { received <- ev }),
		WithEventHandler(DefaultLongPollStartEvent, func(Event) {
			select {
			case started <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stop := startPage(t, p)
	defer stop()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("start event not received")
	}

	select {
	case ev := <-received:
		var build struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		}
		if err := ev.Decode(&build); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if build.ID != 1 || build.Status != "FULLYBUILT" {
			t.Errorf("event data = %+v", build)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll event not received")
	}
}

func TestPage_LongPollHaltAndResume(t *testing.T) {
	var (
		healthy   atomic.Bool
		sequences sync.Map
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq, _ := strconv.Atoi(r.URL.Query().Get("sequence"))
		sequences.Store(seq, true)
		if !healthy.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		if seq == 3 {
			fmt.Fprintf(w, `{"event_key":"k","event_data":%d}`, seq)
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	failures := make(chan LongPollFailure, 4)
	received := make(chan Event, 1)
	p, err := New(
		WithLongPoll("q", srv.URL),
		WithMaxFailedAttempts(2),
		WithRetryDelay(time.Millisecond),
		WithoutDashboard(),
		WithLogger(discardLogger()),
		WithEventHandler(DefaultLongPollFailureEvent, func(ev Event) {
			var f LongPollFailure
			if ev.Decode(&f) == nil {
				failures <- f
			}
		}),
		WithEventHandler("k", func(ev Event) { received <- ev }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.ResumeLongPoll() {
		t.Error("ResumeLongPoll() before start = true")
	}

	stop := startPage(t, p)
	defer stop()

	select {
	case f := <-failures:
		if f.Reason != "max_failed_attempts" {
			t.Errorf("failure reason = %q, want max_failed_attempts", f.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure event not received")
	}

	healthy.Store(true)
	waitFor(t, "long poll to park", p.ResumeLongPoll)

	select {
	case ev := <-received:
		if string(ev.Data) != "3" {
			t.Errorf("event data = %s, want 3", ev.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event after resume not received")
	}

	if _, ok := sequences.Load(3); !ok {
		t.Error("resumed poll did not continue the sequence")
	}
}

func TestPage_ResumeWithoutLongPoll(t *testing.T) {
	p, err := New(WithTask(mustTask(t, "t")), WithoutDashboard(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.ResumeLongPoll() {
		t.Error("ResumeLongPoll() = true without long poll")
	}
	if p.LongPollState() != "" {
		t.Errorf("LongPollState() = %q, want empty", p.LongPollState())
	}
}

func TestPage_DashboardServesFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":3}`)
	}))
	defer srv.Close()

	const port = 19301
	task, err := NewTask("counter", srv.URL, "getCount", WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	p, err := New(WithTask(task), WithPort(port), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stop := startPage(t, p)
	defer stop()

	var frags []store.Fragment
	waitFor(t, "dashboard fragment", func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/fragments", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		frags = nil
		if err := json.NewDecoder(resp.Body).Decode(&frags); err != nil {
			return false
		}
		return len(frags) == 1 && frags[0].Data["count"] == 3.0
	})

	if frags[0].Name != "counter" {
		t.Errorf("fragment name = %q, want counter", frags[0].Name)
	}
}
