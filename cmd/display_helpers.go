package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/warden/internal/policy"
	"github.com/CodeMonkeyCybersecurity/warden/internal/scan"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

func colorStatus(status types.ScanStatus) string {
	switch status {
	case types.ScanStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.ScanStatusRunning:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.ScanStatusFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	case types.ScanStatusCancelled:
		return color.New(color.FgYellow).Sprint("■ " + string(status))
	default:
		return string(status)
	}
}

func colorSeverity(severity types.Severity) string {
	label := strings.ToUpper(severity.String())
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(label)
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint(label)
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint(label)
	default:
		return color.New(color.FgCyan).Sprint(label)
	}
}

func colorVerdict(passed bool) string {
	if passed {
		return color.New(color.FgGreen, color.Bold).Sprint("PASSED")
	}
	return color.New(color.FgRed, color.Bold).Sprint("FAILED")
}

func printCounts(w io.Writer, label string, c types.SeverityCounts) {
	fmt.Fprintf(w, "  %-16s %3d  (critical %d, high %d, medium %d, low %d)\n",
		label, c.Total, c.Critical, c.High, c.Medium, c.Low)
}

func printScanSummary(w io.Writer, res *scan.Result) {
	r := res.Report
	fmt.Fprintf(w, "\nScan %s against %s\n", r.ScanID, r.Target)
	fmt.Fprintf(w, "  probes: %d executed, %d skipped, %d errors\n", r.ProbesExecuted, r.ProbesSkipped, r.Errors)
	if r.ProbesNotPermitted > 0 {
		fmt.Fprintf(w, "  %d write-method probes withheld (use --allow-writes to send them)\n", r.ProbesNotPermitted)
	}
	if !r.Complete {
		color.New(color.FgYellow).Fprintln(w, "  scan was interrupted; the report is incomplete")
	}

	printCounts(w, "vulnerabilities", r.Summary.Vulnerabilities)
	for _, v := range r.Vulnerabilities {
		target := ""
		if v.TargetIdentity != "" {
			target = " -> " + v.TargetIdentity
		}
		fmt.Fprintf(w, "    %-8s %-20s %s %s (%s%s)\n",
			colorSeverity(v.Severity), v.Type, v.Method, v.Endpoint, v.ActingIdentity, target)
	}

	if res.Policy != nil {
		printCounts(w, "violations", r.Summary.Violations)
		printViolations(w, r.Violations)
	}

	for _, path := range res.Files {
		fmt.Fprintf(w, "  wrote %s\n", path)
	}
	fmt.Fprintf(w, "\nResult: %s\n", colorVerdict(r.Passed))
}

func printViolations(w io.Writer, violations []types.PolicyViolation) {
	for _, v := range violations {
		fmt.Fprintf(w, "    %-8s %-28s %s %s [%s]\n",
			colorSeverity(v.Severity), v.Rule, v.Method, v.Endpoint, v.Action)
	}
}

func printPolicyReport(w io.Writer, r *policy.Report) {
	fmt.Fprintf(w, "\nPolicy evaluation: %d records, %d rules, %d passed\n",
		r.RecordsEvaluated, r.RulesEvaluated, r.RulesPassed)
	fmt.Fprintf(w, "  violations: %d  risk score %.2f (%s)\n", r.TotalViolations, r.RiskScore, r.OverallRiskLevel)
	printViolations(w, r.Violations)
	for _, issue := range r.ComplianceIssues {
		color.New(color.FgYellow).Fprintf(w, "  ! %s\n", issue)
	}
}
