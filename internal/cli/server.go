package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/metrics"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
	"github.com/SmitUplenchwar2687/Turnstile/internal/server"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	addr         string
	recordFile   string
	recordStream string
	storage      storageOptions
}

func newServerCmd(g *globalOptions) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"serve"},
		Short:   "Start the Turnstile HTTP server",
		Long: `Starts an HTTP server exposing one limiter per algorithm over a shared
state store.

Endpoints:
  GET  /                          Server info and current time
  GET  /health                    Health check
  GET  /api/algorithms            Algorithms and their parameters
  POST /api/{algorithm}/decide    Admit or deny one request
  POST /api/{algorithm}/burst     Run several decisions at once
  GET  /api/{algorithm}/status    Time-decayed state
  POST /api/{algorithm}/reset     Restore the initial state
  GET  /api/{algorithm}/history   Recent decisions
  GET  /api/{algorithm}/config    Current parameters
  PUT  /api/{algorithm}/config    Replace parameters
  GET  /metrics                   Prometheus metrics
  WS   /ws                        Decision events

When --config is set the file is watched and limit changes are applied
without a restart.`,
		Example: `  turnstile server
  turnstile server --addr :9090 --config turnstile.yaml
  turnstile server --storage redis --redis-url redis://localhost:6379/0
  turnstile server --snapshot-path state.db --record traffic.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = opts.addr
			}
			if err := opts.storage.applyTo(cmd, &cfg.Storage); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, g.configPath, opts, ln, logger)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&opts.recordFile, "record", "", "record traffic and export it as a JSON array on shutdown")
	cmd.Flags().StringVar(&opts.recordStream, "record-stream", "", "append every request to this file as newline-delimited JSON")
	opts.storage.addFlags(cmd)

	return cmd
}

// runServe serves on ln until ctx is cancelled. configPath, when set, is
// watched for limit changes.
func runServe(ctx context.Context, cfg config.Config, configPath string, opts serveOptions, ln net.Listener, logger *slog.Logger) (err error) {
	clk := clock.NewRealClock()

	st, err := openStore(ctx, cfg.Storage, clk, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Error("closing store failed", "error", cerr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	limOpts, err := limiterOptions(cfg.Limiter, clk, logger, metrics.NewPrometheus(reg))
	if err != nil {
		ln.Close()
		return err
	}
	set, err := limiter.NewSet(cfg.Limits.ByAlgorithm(), st, limOpts...)
	if err != nil {
		ln.Close()
		return err
	}

	rec, closeRec, err := openRecorder(opts)
	if err != nil {
		ln.Close()
		return err
	}
	defer closeRec()

	srv := server.New(server.Config{
		Addr:     cfg.Server.Addr,
		Limiters: set,
		Clock:    clk,
		Logger:   logger,
		Recorder: rec,
		Gatherer: reg,
	})

	snapshotPath := cfg.Storage.Memory.SnapshotPath
	if st.memory != nil && snapshotPath != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Storage.Memory.SnapshotSchedule, func() {
			st.saveSnapshot(ctx, snapshotPath, logger)
		}); err != nil {
			ln.Close()
			return fmt.Errorf("scheduling snapshots: %w", err)
		}
		// Final save, once the scheduler has stopped.
		defer st.saveSnapshot(context.Background(), snapshotPath, logger)
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.StartOnListener(ln)
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if configPath != "" {
		w := config.NewWatcher(configPath, config.DefaultDebounce, logger)
		group.Go(func() error {
			return w.Watch(gctx, func(next config.Config) error {
				return applyLimits(set, next.Limits)
			})
		})
	}

	err = group.Wait()

	if rec != nil && opts.recordFile != "" {
		logger.Info("exporting recorded traffic", "records", rec.Len(), "path", opts.recordFile)
		if xerr := rec.ExportFile(opts.recordFile); xerr != nil {
			logger.Error("exporting recorded traffic failed", "error", xerr)
		}
	}
	return err
}

// openRecorder returns nil when recording is off. The returned func closes
// the stream file, if any.
func openRecorder(opts serveOptions) (*recorder.Recorder, func(), error) {
	if opts.recordStream == "" {
		if opts.recordFile == "" {
			return nil, func() {}, nil
		}
		return recorder.New(nil), func() {}, nil
	}

	f, err := os.OpenFile(opts.recordStream, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening record stream: %w", err)
	}
	return recorder.New(f), func() { f.Close() }, nil
}
