package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/municipio-digital/agenda/internal/metrics"
	"github.com/municipio-digital/agenda/internal/notify"
	"github.com/municipio-digital/agenda/internal/sched"
)

// staleClaim is how long a job may sit IN_PROGRESS before a restart
// treats it as orphaned by a crash and requeues it.
const staleClaim = 5 * time.Minute

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and notification dispatcher",
		Long: `Run the background workers until interrupted.

Starts the status scheduler (expire, activate and reminder passes), the
notification dispatcher, and the Prometheus /metrics endpoint when one
is configured. Jobs left mid-flight by a previous crash are requeued on
startup.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	st, cfg, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A crash after claiming a job must not strand it forever.
	requeued, err := st.RequeueStale(ctx, time.Now().Add(-staleClaim), time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to requeue stale jobs", err)
	}
	if requeued > 0 {
		slog.Info("requeued jobs orphaned by previous run", "count", requeued)
	}

	collector := metrics.NewCollector()

	var renderer notify.Renderer
	if cfg.Notify.TemplateDir != "" {
		renderer = &notify.FileRenderer{Dir: cfg.Notify.TemplateDir}
	}
	dispatcher := notify.NewDispatcher(st, &notify.LogTransport{}, renderer,
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithMaxAttempts(cfg.Notify.MaxAttempts),
		notify.WithBaseDelay(cfg.Notify.BaseDelay),
		notify.WithSendTimeout(cfg.Notify.SendTimeout),
		notify.WithBatchSize(cfg.Notify.BatchSize),
		notify.WithPollInterval(cfg.Notify.PollInterval),
		notify.WithDispatcherMetrics(collector),
	)

	scheduler := sched.New(st,
		sched.WithNotifier(dispatcher),
		sched.WithMetrics(collector),
		sched.WithCadence(cfg.Scheduler.ExpireEvery, cfg.Scheduler.ActivateEvery),
		sched.WithReminderSpec(cfg.Scheduler.ReminderSpec),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Addr, collector) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "worker failed", err)
	}
	return nil
}

// serveMetrics exposes the Prometheus endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
