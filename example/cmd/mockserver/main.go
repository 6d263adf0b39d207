// Standalone mock upstream for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver -queue demo
//
// Then in another terminal:
//
//	PAGESYNC_QUEUE=demo go run ./cmd/pagesync serve -c example/pagesync.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pagesync/example/mock"
)

func main() {
	addr := flag.String("addr", ":9999", "listen address")
	queue := flag.String("queue", "", "long-poll queue key (random if empty)")
	builds := flag.Int("builds", 5, "number of builds")
	tick := flag.Duration("tick", 2*time.Second, "time between build status changes")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstream := mock.New(*builds, slog.Default(), mock.WithQueue(*queue))
	go upstream.Run(ctx, *tick)

	fmt.Printf("Mock upstream starting on %s\n", *addr)
	fmt.Printf("Queue key: %s\n", upstream.Queue())
	fmt.Println("Builds move NEEDSBUILD -> BUILDING -> FULLYBUILT/FAILEDTOBUILD")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	srv := &http.Server{Addr: *addr, Handler: upstream.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
