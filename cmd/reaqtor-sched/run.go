package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reaqtive/reaqtor-sub057/internal/config"
	"github.com/reaqtive/reaqtor-sub057/internal/eventbus"
	"github.com/reaqtive/reaqtor-sub057/internal/health"
	"github.com/reaqtive/reaqtor-sub057/internal/otel"
	"github.com/reaqtive/reaqtor-sub057/internal/scheduler"
	"github.com/reaqtive/reaqtor-sub057/internal/server"
)

func newRunCmd(a *app) *cobra.Command {
	var beat time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler with its admin and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, beat)
		},
	}

	f := cmd.Flags()
	f.String("admin.addr", ":8080", "Admin HTTP listen address (empty disables)")
	f.Duration("admin.pause-timeout", 30*time.Second, "How long POST /pause waits for in-flight tasks")
	f.String("health.addr", ":9090", "gRPC health listen address (empty disables)")
	f.String("otel.endpoint", "", "OTLP collector endpoint")
	f.String("otel.service", "reaqtor-sched", "OpenTelemetry service name")
	f.DurationVar(&beat, "heartbeat", 0, "Interval of a self-rescheduling heartbeat task (0 disables)")
	_ = a.v.BindPFlag("admin.addr", f.Lookup("admin.addr"))
	_ = a.v.BindPFlag("admin.pause_timeout", f.Lookup("admin.pause-timeout"))
	_ = a.v.BindPFlag("health.addr", f.Lookup("health.addr"))
	_ = a.v.BindPFlag("otel.endpoint", f.Lookup("otel.endpoint"))
	_ = a.v.BindPFlag("otel.service", f.Lookup("otel.service"))
	return cmd
}

// serve runs the scheduler host until ctx ends or a listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, beat time.Duration) error {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)

	shutdown, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	phys, err := scheduler.NewPhysical(cfg.Scheduler.Workers, scheduler.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer phys.Dispose()
	phys.OnUnhandledError(func(ev *scheduler.UnhandledErrorEvent) {
		logger.Error("task failed", "scheduler", ev.Scheduler.ID(), "error", ev.Err)
		ev.Handled = true
	})

	root := phys.CreateChildScheduler()
	defer root.Dispose()
	logger.Info("scheduler started", "root", root.ID(), "workers", cfg.Scheduler.Workers)

	if beat > 0 {
		if err := root.CreateChildScheduler().Schedule(newHeartbeat(beat, logger)); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Admin.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		srv := &http.Server{
			Handler: server.New(root,
				server.WithPauseTimeout(cfg.Admin.PauseTimeout),
				server.WithLogger(logger)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("admin server listening", "addr", lis.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.Health.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Health.Addr)
		if err != nil {
			return fmt.Errorf("health listen: %w", err)
		}
		hs := health.New(root.ID(), root.State(), health.WithLogger(logger))
		defer hs.Subscribe(bus)()
		g.Go(func() error { return hs.Serve(lis) })
		g.Go(func() error {
			<-ctx.Done()
			hs.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

// heartbeat logs the scheduler's counters and reschedules itself.
type heartbeat struct {
	every  time.Duration
	logger *slog.Logger
}

func newHeartbeat(every time.Duration, logger *slog.Logger) *heartbeat {
	return &heartbeat{every: every, logger: logger}
}

func (h *heartbeat) Priority() int    { return 100 }
func (h *heartbeat) IsRunnable() bool { return true }

func (h *heartbeat) Execute(_ context.Context, s scheduler.Scheduler) (bool, error) {
	h.logger.Debug("heartbeat", "counters", s.QueryPerformanceCounters(false).String())
	return true, s.ScheduleAfter(h.every, h)
}
