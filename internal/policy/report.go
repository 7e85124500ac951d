package policy

import (
	"math"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// Report summarizes one evaluation pass.
type Report struct {
	GeneratedAt            time.Time               `json:"generated_at"`
	Violations             []types.PolicyViolation `json:"violations"`
	TotalViolations        int                     `json:"total_violations"`
	Summary                types.SeverityCounts    `json:"summary"`
	ViolationsBySeverity   map[string]int          `json:"violations_by_severity"`
	ViolationsByRule       map[string]int          `json:"violations_by_rule"`
	ViolationsByEndpoint   map[string]int          `json:"violations_by_endpoint"`
	RulesEvaluated         int                     `json:"rules_evaluated"`
	RulesPassed            int                     `json:"rules_passed"`
	RecordsEvaluated       int                     `json:"records_evaluated"`
	RequestsWithViolations int                     `json:"requests_with_violations"`
	RiskScore              float64                 `json:"risk_score"`
	OverallRiskLevel       types.Severity          `json:"overall_risk_level"`
	ComplianceIssues       []string                `json:"compliance_issues"`
}

// BuildReport tallies the violations of one evaluation pass over the given
// number of records.
func BuildReport(rules []*Rule, records int, violations []types.PolicyViolation, generatedAt time.Time) *Report {
	r := &Report{
		GeneratedAt:          generatedAt.UTC(),
		Violations:           append([]types.PolicyViolation{}, violations...),
		TotalViolations:      len(violations),
		ViolationsBySeverity: map[string]int{},
		ViolationsByRule:     map[string]int{},
		ViolationsByEndpoint: map[string]int{},
		RecordsEvaluated:     records,
		ComplianceIssues:     []string{},
	}

	violating := map[int]struct{}{}
	for _, v := range violations {
		r.Summary.Add(v.Severity)
		r.ViolationsBySeverity[v.Severity.String()]++
		r.ViolationsByRule[v.Rule]++
		r.ViolationsByEndpoint[v.Endpoint]++
		violating[v.RecordIndex] = struct{}{}
	}
	r.RequestsWithViolations = len(violating)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		r.RulesEvaluated++
		if r.ViolationsByRule[rule.Name] == 0 {
			r.RulesPassed++
		}
	}

	r.RiskScore = riskScore(r.Summary)
	r.OverallRiskLevel = riskLevel(r.RiskScore)
	r.ComplianceIssues = complianceIssues(r)
	return r
}

// riskScore weights critical, high and medium violations 3, 2 and 1, scaled
// to 0-10 by the violation count.
func riskScore(c types.SeverityCounts) float64 {
	if c.Total == 0 {
		return 0
	}
	weighted := float64(3*c.Critical + 2*c.High + c.Medium)
	score := math.Min(10, weighted/float64(c.Total)*10)
	return math.Round(score*100) / 100
}

func riskLevel(score float64) types.Severity {
	switch {
	case score >= 8:
		return types.SeverityCritical
	case score >= 6:
		return types.SeverityHigh
	case score >= 4:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func complianceIssues(r *Report) []string {
	issues := []string{}
	if r.Summary.Critical > 0 {
		issues = append(issues, "Critical policy violations detected")
	}
	if r.ViolationsByRule["No Plaintext Passwords"] > 0 {
		issues = append(issues, "Plaintext passwords detected in API traffic")
	}
	if r.ViolationsByRule["Require Authentication"] > 0 {
		issues = append(issues, "Unauthenticated access to sensitive endpoints")
	}
	if r.ViolationsByRule["PII Data Protection"] > 0 {
		issues = append(issues, "Personal data exposed in API responses")
	}
	return issues
}
