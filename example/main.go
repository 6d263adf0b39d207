package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pagesync"
	"github.com/jpalmerr/pagesync/example/mock"
)

const mockAddr = "localhost:9999"

func main() {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// fake upstream: five builds progressing every two seconds
	upstream := mock.New(5, logger)
	srv := &http.Server{Addr: mockAddr, Handler: upstream.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock server error", "error", err)
		}
	}()
	defer srv.Close()
	go upstream.Run(ctx, 2*time.Second)

	initial := make([]any, 0, 5)
	for _, b := range upstream.Builds() {
		initial = append(initial, map[string]any{"id": b.ID, "status": b.Status})
	}

	sel := pagesync.PendingSelector{
		List:        "builds",
		IDField:     "id",
		StatusField: "status",
		Pending:     []string{mock.StatusNeedsBuild, mock.StatusBuilding},
		Param:       "build_ids",
	}
	builds, err := pagesync.NewTask("builds", "http://"+mockAddr+"/+builds", "getBuildSummaries",
		pagesync.WithInterval(time.Second),
		pagesync.WithInitialData(map[string]any{"builds": initial}),
		pagesync.WithParams(pagesync.PendingParams(sel)),
		pagesync.WithStopCheck(pagesync.StopWhenNoPending(sel)),
	)
	if err != nil {
		logger.Error("failed to create task", "error", err)
		os.Exit(1)
	}

	page, err := pagesync.New(
		pagesync.WithTask(builds),
		pagesync.WithLongPoll(upstream.Queue(), "http://"+mockAddr+"/+longpoll/"),
		pagesync.WithTitle("PageSync Demo"),
		pagesync.WithPort(8080),
		pagesync.WithLogger(logger),
		pagesync.WithEventHandler(mock.BuildStatusEvent, func(ev pagesync.Event) {
			var b mock.Build
			if err := ev.Decode(&b); err != nil {
				logger.Warn("undecodable build event", "error", err)
				return
			}
			logger.Info("build event", "build", b.ID, "status", b.Status)
		}),
	)
	if err != nil {
		logger.Error("failed to create page", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  PageSync Demo")
	fmt.Println()
	fmt.Println("  Open http://localhost:8080 in your browser")
	fmt.Println("  Task:      builds (stops once every build has finished)")
	fmt.Println("  Long poll: build-status events from the mock queue")
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	if err := page.Start(ctx); err != nil {
		logger.Error("pagesync error", "error", err)
		os.Exit(1)
	}
}
