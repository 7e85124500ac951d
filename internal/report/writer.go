package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/CodeMonkeyCybersecurity/warden/internal/policy"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

const (
	VulnerabilityReportFile = "vulnerability_report.json"
	PolicyReportFile        = "policy_report.json"
	ScanReportFile          = "scan_report.json"
)

// VulnerabilityReport is the file form read by CI.
type VulnerabilityReport struct {
	Vulnerabilities []types.Vulnerability `json:"vulnerabilities"`
	Summary         types.SeverityCounts  `json:"summary"`
	Errors          int                   `json:"errors"`
	Complete        bool                  `json:"complete"`
	Passed          bool                  `json:"passed"`
}

func (r *ScanReport) VulnerabilityReport() VulnerabilityReport {
	return VulnerabilityReport{
		Vulnerabilities: r.Vulnerabilities,
		Summary:         r.Summary.Vulnerabilities,
		Errors:          r.Errors,
		Complete:        r.Complete,
		Passed:          r.Summary.Vulnerabilities.Blocking() == 0,
	}
}

func WriteVulnerabilityReport(w io.Writer, r *ScanReport) error {
	return writeJSON(w, r.VulnerabilityReport())
}

func WritePolicyReport(w io.Writer, r *policy.Report) error {
	return writeJSON(w, r)
}

func WriteScanReport(w io.Writer, r *ScanReport) error {
	return writeJSON(w, r)
}

// WriteFiles writes the report set into dir. The policy report is skipped
// when no policies were evaluated.
func WriteFiles(dir string, r *ScanReport, policyReport *policy.Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var written []string
	write := func(name string, fn func(io.Writer) error) error {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if err := write(VulnerabilityReportFile, func(w io.Writer) error { return WriteVulnerabilityReport(w, r) }); err != nil {
		return written, err
	}
	if policyReport != nil {
		if err := write(PolicyReportFile, func(w io.Writer) error { return WritePolicyReport(w, policyReport) }); err != nil {
			return written, err
		}
	}
	if err := write(ScanReportFile, func(w io.Writer) error { return WriteScanReport(w, r) }); err != nil {
		return written, err
	}
	return written, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
