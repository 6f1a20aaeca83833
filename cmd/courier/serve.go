package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/dashboard"
	"github.com/zulandar/courier/internal/metrics"
	"github.com/zulandar/courier/internal/scheduler"
	"github.com/zulandar/courier/internal/store"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the producer and dispatcher schedules and the status API",
		Long:  "Runs the producer and dispatcher on their cron schedules and serves the status API until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "status API port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, s, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	sched, err := buildScheduler(cfg, s, m, cmd)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, s, sched, m, cmd)
}

// buildScheduler registers the producer and dispatcher jobs.
func buildScheduler(cfg *config.Config, s *store.Store, m *metrics.Metrics, cmd *cobra.Command) (*scheduler.Scheduler, error) {
	out := cmd.OutOrStdout()
	p, err := newProducer(cfg, s, m, out)
	if err != nil {
		return nil, err
	}
	d, err := newDispatcher(cfg, s, m, out)
	if err != nil {
		return nil, err
	}
	locker, err := newLocker(cfg.Lock)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Options{Locker: locker, Metrics: m, Out: out})
	err = sched.Add(scheduler.Job{
		Name:     p.Name(),
		Schedule: cfg.Producer.Schedule,
		Run: func(ctx context.Context) error {
			_, err := p.RunOnce(ctx)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	err = sched.Add(scheduler.Job{
		Name:     config.DispatcherJobName,
		Schedule: cfg.Dispatcher.Schedule,
		Run: func(ctx context.Context) error {
			_, err := d.RunOnce(ctx)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// serve runs the scheduler and the status API until ctx is cancelled or the
// API fails.
func serve(ctx context.Context, cfg *config.Config, s *store.Store, sched *scheduler.Scheduler, m *metrics.Metrics, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		fmt.Fprintln(out, "Scheduler stopped")
		return nil
	})
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Store:    s,
			Schedule: sched,
			Metrics:  m,
			Port:     cfg.Server.Port,
			Out:      out,
		})
	})

	for _, name := range sched.Jobs() {
		if next, ok := sched.Next(name); ok {
			fmt.Fprintf(out, "  %-12s next run %s\n", name, next.Format("2006-01-02 15:04:05 MST"))
		}
	}
	return g.Wait()
}
