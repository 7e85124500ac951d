package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/database"
	"github.com/CodeMonkeyCybersecurity/warden/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/warden/internal/scan"
	"github.com/CodeMonkeyCybersecurity/warden/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/shutdown"
)

func (a *app) newScanCommand() *cobra.Command {
	var (
		req     scan.Request
		save    bool
		enqueue bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Probe a target API for authorization weaknesses",
		Long: `Generate probes for every catalog endpoint and identity, send them to the
target, and report BOLA, IDOR, missing authentication and privilege escalation
findings. With --policies the policy rules are evaluated over the captured
traffic (--traffic) and the probe exchanges.

Reports written to --output:
  vulnerability_report.json
  policy_report.json (only with --policies)
  scan_report.json

Ctrl+C stops sending probes; the reports are still written and marked
incomplete.`,
		Example: `  warden scan --target https://api.example.com --catalog catalog.json --identities identities.yaml
  warden scan --target https://api.example.com --catalog openapi.yaml --identities ids.yaml --policies policies.yaml --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.OutputDir == "" {
				req.OutputDir = a.cfg.Output.Directory
			}
			if enqueue {
				return a.enqueueScan(cmd.Context(), req)
			}
			return a.runScan(cmd.Context(), req, save)
		},
	}

	def := config.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&req.Target, "target", "", "base URL of the API under test")
	f.StringVar(&req.CatalogPath, "catalog", "", "endpoint catalog (JSON or OpenAPI 3)")
	f.StringVar(&req.IdentitiesPath, "identities", "", "identities file (YAML)")
	f.StringVar(&req.PoliciesPath, "policies", "", "policy rules file (YAML)")
	f.StringVar(&req.TrafficPath, "traffic", "", "captured traffic records (JSON)")
	f.StringVar(&req.OutputDir, "output", "", "directory for the JSON reports")
	f.Int("concurrency", def.Probe.Concurrency, "probes in flight at once")
	f.Duration("timeout", def.Probe.Timeout, "per-probe timeout")
	f.Int("retries", def.Probe.MaxRetries, "retries per probe on network errors")
	f.Bool("allow-writes", def.Probe.AllowWriteMethods, "send POST/PUT/PATCH/DELETE probes")
	f.String("classification", def.Analyzer.Classification, "cross-identity classification (bola, role_tier, idor)")
	f.BoolVar(&save, "save", false, "persist the run and findings to PostgreSQL")
	f.BoolVar(&enqueue, "enqueue", false, "queue the scan for 'warden workers start' instead of running it")
	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("catalog")
	cmd.MarkFlagRequired("identities")

	a.v.BindPFlag("probe.concurrency", f.Lookup("concurrency"))
	a.v.BindPFlag("probe.timeout", f.Lookup("timeout"))
	a.v.BindPFlag("probe.max_retries", f.Lookup("retries"))
	a.v.BindPFlag("probe.allow_write_methods", f.Lookup("allow-writes"))
	a.v.BindPFlag("analyzer.classification", f.Lookup("classification"))

	return cmd
}

// newEngine wires telemetry and, when asked, the result store. The returned
// cleanup closes both.
func (a *app) newEngine(ctx context.Context, withStore bool) (*scan.Engine, func(), error) {
	tel, err := telemetry.New(ctx, a.cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	closers := []func() error{tel.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.log.Warnw("Cleanup failed", "error", err)
			}
		}
	}

	opts := []scan.Option{scan.WithTelemetry(tel)}
	if withStore || a.cfg.Database.Enabled {
		store, err := database.NewStore(ctx, a.cfg.Database, a.log)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, store.Close)
		opts = append(opts, scan.WithStore(store))
	}

	engine, err := scan.NewEngine(a.cfg, a.log, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return engine, cleanup, nil
}

func (a *app) runScan(ctx context.Context, req scan.Request, save bool) error {
	handler := shutdown.NewHandler(a.log)
	ctx, stop := handler.Context(ctx)
	defer stop()

	engine, cleanup, err := a.newEngine(ctx, save)
	if err != nil {
		return err
	}
	handler.RegisterShutdownFunc(func() error { cleanup(); return nil })
	defer handler.Shutdown()

	res, err := engine.Run(ctx, req)
	if err != nil {
		return err
	}

	printScanSummary(a.out, res)
	if !res.Report.Passed {
		return ErrGateFailed
	}
	return nil
}

func (a *app) enqueueScan(ctx context.Context, req scan.Request) error {
	q, err := jobs.NewRedisQueue(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	defer q.Close()

	// Workers may run elsewhere in the tree.
	for _, p := range []*string{&req.CatalogPath, &req.IdentitiesPath, &req.PoliciesPath, &req.TrafficPath, &req.OutputDir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}

	job := jobs.NewScanJob(req.Target, req.CatalogPath, req.IdentitiesPath, req.PoliciesPath, req.TrafficPath, req.OutputDir)
	if err := q.Push(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue scan: %w", err)
	}
	a.log.Infow("Scan queued", "job_id", job.ID, "target", req.Target)
	fmt.Fprintf(a.out, "Queued scan job %s\n", job.ID)
	return nil
}
