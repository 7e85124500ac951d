// Package report merges vulnerability findings and policy violations into
// the scan report consumed by CI.
package report

import (
	"sort"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// ProbeError is the report view of an inconclusive probe.
type ProbeError struct {
	Endpoint string `json:"endpoint"`
	Identity string `json:"identity"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// ProbeErrors extracts the failed probes from results, in result order.
func ProbeErrors(results []*types.ProbeResult) []ProbeError {
	var out []ProbeError
	for _, res := range results {
		if res == nil || !res.Failed() {
			continue
		}
		pe := ProbeError{Attempts: res.Attempts, Error: res.Error}
		if tc := res.TestCase; tc != nil {
			pe.Method = tc.Request.Method
			pe.URL = tc.Request.URL
			if tc.Endpoint != nil {
				pe.Endpoint = tc.Endpoint.Key()
			}
			if tc.Identity != nil {
				pe.Identity = tc.Identity.Name
			}
		}
		if pe.Error == "" {
			pe.Error = "no response"
		}
		out = append(out, pe)
	}
	return out
}

type Summary struct {
	Vulnerabilities types.SeverityCounts `json:"vulnerabilities"`
	Violations      types.SeverityCounts `json:"violations"`
	Overall         types.SeverityCounts `json:"overall"`
}

// Input is everything one scan run produced.
type Input struct {
	ScanID         string
	Target         string
	StartedAt      time.Time
	CompletedAt    time.Time
	Complete       bool
	ProbesPlanned  int
	ProbesExecuted int
	ProbesSkipped  int
	// ProbesNotPermitted is the part of ProbesSkipped withheld because
	// write methods were not allowed.
	ProbesNotPermitted int
	Vulnerabilities    []types.Vulnerability
	Violations         []types.PolicyViolation
	NotApplicable      []types.NotApplicable
	Errors             []ProbeError
}

// ScanReport is immutable once built; Aggregate copies every slice it is
// given.
type ScanReport struct {
	ScanID         string    `json:"scan_id"`
	Target         string    `json:"target"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Complete       bool      `json:"complete"`
	Passed         bool      `json:"passed"`
	ProbesPlanned  int       `json:"probes_planned"`
	ProbesExecuted int       `json:"probes_executed"`
	ProbesSkipped  int       `json:"probes_skipped"`
	// ProbesNotPermitted is included in ProbesSkipped.
	ProbesNotPermitted int `json:"probes_not_permitted"`
	// Errors counts probes sent without obtaining a response.
	Errors          int                     `json:"errors"`
	ErrorDetails    []ProbeError            `json:"error_details"`
	Summary         Summary                 `json:"summary"`
	Vulnerabilities []types.Vulnerability   `json:"vulnerabilities"`
	Violations      []types.PolicyViolation `json:"violations"`
	NotApplicable   []types.NotApplicable   `json:"not_applicable"`
}

// Aggregate builds the report. Passed is true iff no finding in either list
// is critical or high; probe errors never affect it.
func Aggregate(in Input) *ScanReport {
	r := &ScanReport{
		ScanID:             in.ScanID,
		Target:             in.Target,
		StartedAt:          in.StartedAt.UTC(),
		CompletedAt:        in.CompletedAt.UTC(),
		Complete:           in.Complete,
		ProbesPlanned:      in.ProbesPlanned,
		ProbesExecuted:     in.ProbesExecuted,
		ProbesSkipped:      in.ProbesSkipped,
		ProbesNotPermitted: in.ProbesNotPermitted,
		Errors:             len(in.Errors),
		ErrorDetails:       append([]ProbeError{}, in.Errors...),
		Vulnerabilities:    append([]types.Vulnerability{}, in.Vulnerabilities...),
		Violations:         append([]types.PolicyViolation{}, in.Violations...),
		NotApplicable:      append([]types.NotApplicable{}, in.NotApplicable...),
	}

	sort.SliceStable(r.Vulnerabilities, func(i, j int) bool {
		return types.VulnerabilityLess(&r.Vulnerabilities[i], &r.Vulnerabilities[j])
	})
	sort.SliceStable(r.Violations, func(i, j int) bool {
		return r.Violations[i].RecordIndex < r.Violations[j].RecordIndex
	})

	for _, v := range r.Vulnerabilities {
		r.Summary.Vulnerabilities.Add(v.Severity)
	}
	for _, v := range r.Violations {
		r.Summary.Violations.Add(v.Severity)
	}
	r.Summary.Overall = r.Summary.Vulnerabilities.Merge(r.Summary.Violations)
	r.Passed = r.Summary.Overall.Blocking() == 0
	return r
}

// ScanRun converts the report into its persisted summary.
func (r *ScanReport) ScanRun() *types.ScanRun {
	status := types.ScanStatusCompleted
	if !r.Complete {
		status = types.ScanStatusCancelled
	}
	completed := r.CompletedAt
	return &types.ScanRun{
		ID:             r.ScanID,
		Target:         r.Target,
		Status:         status,
		Complete:       r.Complete,
		Passed:         r.Passed,
		ProbesExecuted: r.ProbesExecuted,
		Errors:         r.Errors,
		StartedAt:      r.StartedAt,
		CompletedAt:    &completed,
	}
}
