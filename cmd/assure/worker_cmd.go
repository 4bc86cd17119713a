package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// runWorkerCmd implements `assure worker`: both queue pools, the scheduler
// and, when METRICS_ADDR is set, the metrics endpoint. It runs until SIGINT
// or SIGTERM.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	noScheduler := cmd.Bool("no-scheduler", false, "Do not run the periodic scheduler in this process")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	collect, check := a.pools()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return collect.Run(gctx) })
	g.Go(func() error { return check.Run(gctx) })
	if !*noScheduler {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, a.obs.MetricsHandler())
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.InfoContext(ctx, "worker started",
		"concurrency", cfg.WorkerConcurrency,
		"scheduler", !*noScheduler,
		"metrics_addr", cfg.MetricsAddr,
	)
	_, _ = fmt.Fprintln(stdout, "assure worker running; press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newMetricsServer(addr string, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
