package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/warden/internal/catalog"
	"github.com/CodeMonkeyCybersecurity/warden/internal/policy"
	"github.com/CodeMonkeyCybersecurity/warden/internal/report"
)

func (a *app) newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Evaluate and manage governance policies",
		Long: `Policies are YAML rules of ANDed conditions over request/response records.
A file may hold a list of rules, a policy set ({rules: [...]}) or one rule.

Commands:
  evaluate - Evaluate policies over captured traffic
  validate - Check that a policy file loads
  list     - Show the rules of a file
  init     - Write the built-in default policies`,
	}
	cmd.AddCommand(
		a.newPolicyEvaluateCommand(),
		a.newPolicyValidateCommand(),
		a.newPolicyListCommand(),
		a.newPolicyInitCommand(),
	)
	return cmd
}

func (a *app) newPolicyEvaluateCommand() *cobra.Command {
	var policiesPath, trafficPath, outputPath string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate policies over captured traffic records",
		Example: `  warden policy evaluate --policies policies.yaml --traffic traffic.json --output policy_report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.loadRules(policiesPath)
			if err != nil {
				return err
			}
			records, err := catalog.LoadTraffic(trafficPath)
			if err != nil {
				return err
			}

			ev := policy.NewEvaluator(rules, a.log)
			violations, err := ev.EvaluateAll(cmd.Context(), records, a.cfg.Policy.Workers)
			if err != nil {
				return fmt.Errorf("policy evaluation failed: %w", err)
			}
			pr := policy.BuildReport(rules, len(records), violations, ev.Now())

			if outputPath != "" {
				if err := writePolicyReportFile(outputPath, pr); err != nil {
					return err
				}
				a.log.Infow("Policy report written", "path", outputPath)
			}

			printPolicyReport(a.out, pr)
			if pr.Summary.Blocking() > 0 {
				return ErrGateFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policiesPath, "policies", "", "policy rules file (YAML); defaults to the built-in rules")
	cmd.Flags().StringVar(&trafficPath, "traffic", "", "captured traffic records (JSON)")
	cmd.Flags().StringVar(&outputPath, "output", "", "write the policy report JSON to this file")
	cmd.MarkFlagRequired("traffic")
	return cmd
}

func writePolicyReportFile(path string, pr *policy.Report) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create policy report: %w", err)
	}
	if err := report.WritePolicyReport(f, pr); err != nil {
		f.Close()
		return fmt.Errorf("failed to write policy report: %w", err)
	}
	return f.Close()
}

// loadRules reads a policy file, or returns the built-in rules when path is
// empty.
func (a *app) loadRules(path string) ([]*policy.Rule, error) {
	if path == "" {
		path = a.cfg.Policy.File
	}
	if path == "" {
		return policy.DefaultRules(), nil
	}
	return policy.LoadFile(path)
}

func (a *app) newPolicyValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a policy file loads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.LoadFile(args[0])
			if err != nil {
				color.New(color.FgRed).Fprintf(a.out, "✗ %s\n", args[0])
				return err
			}
			enabled := 0
			for _, r := range rules {
				if r.Enabled {
					enabled++
				}
			}
			color.New(color.FgGreen).Fprintf(a.out, "✓ %s: %d rules (%d enabled)\n", args[0], len(rules), enabled)
			return nil
		},
	}
}

func (a *app) newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [file]",
		Short: "List the rules of a policy file, or the built-in rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			rules, err := a.loadRules(path)
			if err != nil {
				return err
			}
			for _, r := range rules {
				state := ""
				if !r.Enabled {
					state = " (disabled)"
				}
				fmt.Fprintf(a.out, "%-10s %-8s %-6s %s%s\n", r.ID, colorSeverity(r.Severity), r.Action, r.Name, state)
				if len(r.Tags) > 0 {
					fmt.Fprintf(a.out, "           tags: %s\n", strings.Join(r.Tags, ", "))
				}
			}
			return nil
		},
	}
}

func (a *app) newPolicyInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [file]",
		Short: "Write the built-in default policies to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "policies.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, policy.DefaultPolicyYAML(), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprintf(a.out, "Wrote default policies to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
