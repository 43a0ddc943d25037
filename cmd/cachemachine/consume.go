package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentuity/cachemachine/cache"
	"github.com/agentuity/cachemachine/metrics"
	"github.com/agentuity/cachemachine/worker"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func (a *app) consumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume KEY...",
		Short: "Print and acknowledge queue entries as they become eligible",
		Long: `Polls every KEY, printing each eligible entry as one JSON line and
removing it once printed. Runs until interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			interval := a.cfg.Worker.Interval.Std()
			if cmd.Flags().Changed("interval") {
				d, err := durationFlag(cmd, "interval")
				if err != nil {
					return err
				}
				interval = d
			}
			retryDelay := a.cfg.Worker.RetryDelay.Std()
			if cmd.Flags().Changed("retry-delay") {
				d, err := durationFlag(cmd, "retry-delay")
				if err != nil {
					return err
				}
				retryDelay = d
			}
			addr := a.cfg.Metrics.Address
			if cmd.Flags().Changed("metrics-addr") {
				addr, _ = cmd.Flags().GetString("metrics-addr")
			}

			if addr != "" {
				stop, err := a.serveMetrics(ctx, addr)
				if err != nil {
					return err
				}
				defer stop()
			}

			// the handler runs on one goroutine per key
			var mu sync.Mutex
			out := cmd.OutOrStdout()
			handler := func(ctx context.Context, key string, e cache.Entry) error {
				mu.Lock()
				defer mu.Unlock()
				return printJSON(out, a.viewEntry(key, e))
			}

			p := worker.New(a.machine, handler, args,
				worker.WithInterval(interval),
				worker.WithRetryDelay(retryDelay),
				worker.WithLogger(a.log),
			)
			a.log.Info("consuming %v every %s", args, interval)
			return p.Run(ctx)
		},
	}
	cmd.Flags().String("interval", "", "poll interval for idle queues (default from config, 1s)")
	cmd.Flags().String("retry-delay", "", "postpone entries that fail to print by this long")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus /metrics on this address; empty to disable (default from config, :2112)")
	return cmd
}

func (a *app) serveMetrics(ctx context.Context, addr string) (func(), error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		a.log.Info("metrics server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server exited: %s", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("metrics server shutdown: %s", err)
		}
	}, nil
}
