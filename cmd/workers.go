package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/warden/internal/worker"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/shutdown"
)

func (a *app) newWorkersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Run and inspect queued scans",
		Long: `Scans queued with 'warden scan --enqueue' wait in Redis until a worker
picks them up.

Commands:
  start  - Run workers until interrupted
  status - Show pending jobs
  job    - Show one job`,
	}
	cmd.AddCommand(
		a.newWorkersStartCommand(),
		a.newWorkersStatusCommand(),
		a.newWorkersJobCommand(),
	)
	return cmd
}

func (a *app) newWorkersStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start workers that run queued scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := shutdown.NewHandler(a.log)
			ctx, stop := handler.Context(cmd.Context())
			defer stop()

			q, err := jobs.NewRedisQueue(ctx, a.cfg.Redis)
			if err != nil {
				return err
			}
			handler.RegisterShutdownFunc(q.Close)

			engine, cleanup, err := a.newEngine(ctx, false)
			if err != nil {
				q.Close()
				return err
			}
			handler.RegisterShutdownFunc(func() error { cleanup(); return nil })

			pool := worker.NewPool(q, engine.HandleJob, worker.Options{
				PollInterval: a.cfg.Worker.QueuePollInterval,
				MaxRetries:   a.cfg.Worker.MaxRetries,
			}, a.log)
			if err := pool.Start(ctx, a.cfg.Worker.Count); err != nil {
				handler.Shutdown()
				return err
			}

			// Registered last so the pool drains before the queue closes.
			var done, failed int
			handler.RegisterShutdownFunc(func() error {
				for _, s := range pool.Status() {
					done += s.JobsComplete
					failed += s.JobsFailed
				}
				return pool.Stop()
			})
			fmt.Fprintf(a.out, "Started %d workers, press Ctrl+C to stop\n", a.cfg.Worker.Count)

			handler.WaitForShutdown(ctx)
			fmt.Fprintf(a.out, "Workers stopped: %d jobs completed, %d failed\n", done, failed)
			return nil
		},
	}
	cmd.Flags().Int("count", config.DefaultConfig().Worker.Count, "number of workers")
	a.v.BindPFlag("worker.count", cmd.Flags().Lookup("count"))
	return cmd
}

func (a *app) newWorkersStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List pending scan jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := jobs.NewRedisQueue(cmd.Context(), a.cfg.Redis)
			if err != nil {
				return err
			}
			defer q.Close()

			pending, err := q.GetPending(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list pending jobs: %w", err)
			}
			if len(pending) == 0 {
				fmt.Fprintln(a.out, "No pending jobs")
				return nil
			}
			fmt.Fprintf(a.out, "%-36s  %-8s  %-7s  %-20s  %s\n", "JOB ID", "PRIORITY", "RETRIES", "QUEUED", "TARGET")
			for _, j := range pending {
				fmt.Fprintf(a.out, "%-36s  %8d  %7d  %-20s  %s\n",
					j.ID, j.Priority, j.Retries, j.CreatedAt.Local().Format(time.DateTime), j.PayloadString("target"))
			}
			return nil
		},
	}
}

func (a *app) newWorkersJobCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show the state of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := jobs.NewRedisQueue(cmd.Context(), a.cfg.Redis)
			if err != nil {
				return err
			}
			defer q.Close()

			job, err := q.GetStatus(cmd.Context(), args[0])
			if errors.Is(err, jobs.ErrJobNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}
			return printJSON(a, job)
		},
	}
}
