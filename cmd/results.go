package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/internal/database"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

func (a *app) newResultsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Query persisted scan runs",
		Long: `View scan runs saved with 'warden scan --save' or by workers.

Commands:
  list   - List scan runs
  show   - Show one run with its findings
  export - Export a run's vulnerabilities as CSV`,
	}
	cmd.AddCommand(
		a.newResultsListCommand(),
		a.newResultsShowCommand(),
		a.newResultsExportCommand(),
	)
	return cmd
}

// withStore opens the result store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(*database.Store) error) error {
	store, err := database.NewStore(ctx, a.cfg.Database, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func (a *app) newResultsListCommand() *cobra.Command {
	var (
		filter core.ScanFilter
		status string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scan runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = types.ScanStatus(status)
			log := a.log.WithComponent("results")

			return a.withStore(cmd.Context(), func(store *database.Store) error {
				start := time.Now()
				runs, err := store.ListScanRuns(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("failed to list scan runs: %w", err)
				}
				log.Debugw("Scan runs listed", "count", len(runs), "duration_ms", time.Since(start).Milliseconds())

				if asJSON {
					return printJSON(a, runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(a.out, "No scan runs found")
					return nil
				}
				fmt.Fprintf(a.out, "%-36s  %-20s  %-12s  %-7s  %6s  %s\n", "SCAN ID", "STARTED", "STATUS", "RESULT", "PROBES", "TARGET")
				for _, r := range runs {
					result := "FAILED"
					if r.Passed {
						result = "PASSED"
					}
					fmt.Fprintf(a.out, "%-36s  %-20s  %-12s  %-7s  %6d  %s\n",
						r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), colorStatus(r.Status), result, r.ProbesExecuted, r.Target)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.Target, "target", "", "only runs against this target")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum runs to show")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "runs to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

type runDetail struct {
	Run             *types.ScanRun          `json:"run"`
	Vulnerabilities []types.Vulnerability   `json:"vulnerabilities"`
	Violations      []types.PolicyViolation `json:"violations"`
}

func (a *app) newResultsShowCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <scan-id>",
		Short: "Show a scan run with its vulnerabilities and violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *database.Store) error {
				d, err := loadRunDetail(ctx, store, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(a, d)
				}

				r := d.Run
				fmt.Fprintf(a.out, "Scan %s against %s\n", r.ID, r.Target)
				fmt.Fprintf(a.out, "  status:  %s\n", colorStatus(r.Status))
				fmt.Fprintf(a.out, "  started: %s\n", r.StartedAt.Local().Format(time.RFC3339))
				if r.CompletedAt != nil {
					fmt.Fprintf(a.out, "  took:    %s\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
				}
				fmt.Fprintf(a.out, "  probes:  %d executed, %d errors\n", r.ProbesExecuted, r.Errors)
				if r.ErrorMessage != "" {
					fmt.Fprintf(a.out, "  error:   %s\n", r.ErrorMessage)
				}

				var vulns, viols types.SeverityCounts
				for _, v := range d.Vulnerabilities {
					vulns.Add(v.Severity)
				}
				for _, v := range d.Violations {
					viols.Add(v.Severity)
				}
				printCounts(a.out, "vulnerabilities", vulns)
				for _, v := range d.Vulnerabilities {
					fmt.Fprintf(a.out, "    %-8s %-20s %s %s  %s\n", colorSeverity(v.Severity), v.Type, v.Method, v.Endpoint, v.Title)
				}
				printCounts(a.out, "violations", viols)
				printViolations(a.out, d.Violations)
				fmt.Fprintf(a.out, "\nResult: %s\n", colorVerdict(r.Passed))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func loadRunDetail(ctx context.Context, store *database.Store, scanID string) (*runDetail, error) {
	run, err := store.GetScanRun(ctx, scanID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("scan run %s not found", scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan run: %w", err)
	}
	vulns, err := store.GetVulnerabilities(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get vulnerabilities: %w", err)
	}
	viols, err := store.GetViolations(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get violations: %w", err)
	}
	return &runDetail{Run: run, Vulnerabilities: vulns, Violations: viols}, nil
}

func (a *app) newResultsExportCommand() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export <scan-id>",
		Short: "Export the vulnerabilities of a scan run as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withStore(ctx, func(store *database.Store) error {
				d, err := loadRunDetail(ctx, store, args[0])
				if err != nil {
					return err
				}

				w := a.out
				if outputPath != "" {
					f, err := os.Create(outputPath)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", outputPath, err)
					}
					defer f.Close()
					w = f
				}
				if err := writeVulnerabilityCSV(csv.NewWriter(w), d.Vulnerabilities); err != nil {
					return fmt.Errorf("failed to write CSV: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func writeVulnerabilityCSV(w *csv.Writer, vulns []types.Vulnerability) error {
	w.Write([]string{"id", "type", "severity", "method", "endpoint", "acting_identity", "target_identity", "resource_id", "comparison", "title", "detected_at"})
	for _, v := range vulns {
		w.Write([]string{
			v.ID,
			string(v.Type),
			v.Severity.String(),
			v.Method,
			v.Endpoint,
			v.ActingIdentity,
			v.TargetIdentity,
			v.ResourceID,
			v.Evidence.Comparison,
			v.Title,
			v.DetectedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	return w.Error()
}

func printJSON(a *app, v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
