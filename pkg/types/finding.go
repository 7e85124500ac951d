package types

import (
	"time"
)

type VulnType string

const (
	VulnIDOR                VulnType = "IDOR"
	VulnBOLA                VulnType = "BOLA"
	VulnMissingAuth         VulnType = "MISSING_AUTH"
	VulnPrivilegeEscalation VulnType = "PRIVILEGE_ESCALATION"
)

type VulnStatus string

const (
	StatusOpen  VulnStatus = "open"
	StatusFixed VulnStatus = "fixed"
)

// ProbeEvidence is the report-safe view of one probe result.
type ProbeEvidence struct {
	Kind       ProbeKind `json:"kind"`
	Identity   string    `json:"identity"`
	Role       Role      `json:"role"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	ResourceID string    `json:"resource_id,omitempty"`
	StatusCode int       `json:"status_code"`
	BodyHash   uint64    `json:"body_hash,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `json:"error,omitempty"`
}

// Evidence backs a vulnerability with either two probes from different
// identities against the same endpoint and resource, or one probe plus the
// endpoint's declared authentication requirement.
type Evidence struct {
	Probes       []ProbeEvidence `json:"probes"`
	AuthRequired *bool           `json:"auth_required,omitempty"`
	AdminOnly    *bool           `json:"admin_only,omitempty"`
	Comparison   string          `json:"comparison"`
	// EchoedResourceID is set when the response echoed the owner's resource id.
	EchoedResourceID bool     `json:"echoed_resource_id,omitempty"`
	MatchedMarkers   []string `json:"matched_markers,omitempty"`
	IdenticalBody    bool     `json:"identical_body,omitempty"`
}

type Vulnerability struct {
	ID             string     `json:"id"`
	Type           VulnType   `json:"type"`
	Endpoint       string     `json:"endpoint"`
	Method         string     `json:"method"`
	Severity       Severity   `json:"severity"`
	ActingIdentity string     `json:"acting_identity"`
	TargetIdentity string     `json:"target_identity,omitempty"`
	ResourceID     string     `json:"resource_id,omitempty"`
	Title          string     `json:"title"`
	Evidence       Evidence   `json:"evidence"`
	Recommendation string     `json:"recommendation"`
	Status         VulnStatus `json:"status"`
	DetectedAt     time.Time  `json:"detected_at"`
}

// EndpointKey matches Endpoint.Key for grouping and ordering.
func (v *Vulnerability) EndpointKey() string {
	return v.Method + " " + v.Endpoint
}

// ConditionEvidence names the field and value that satisfied one condition.
type ConditionEvidence struct {
	Field    string `json:"field"`
	Key      string `json:"key,omitempty"`
	Operator string `json:"operator"`
	Expected string `json:"expected,omitempty"`
	Matched  string `json:"matched"`
}

type PolicyViolation struct {
	Rule        string              `json:"rule"`
	Description string              `json:"description,omitempty"`
	Endpoint    string              `json:"endpoint"`
	Method      string              `json:"method"`
	Severity    Severity            `json:"severity"`
	Action      string              `json:"action"`
	Tags        []string            `json:"tags,omitempty"`
	Evidence    []ConditionEvidence `json:"evidence"`
	RecordIndex int                 `json:"record_index"`
	Timestamp   time.Time           `json:"timestamp"`
}

// NotApplicable records a check skipped for an endpoint because the data
// needed to run it was missing. It is never a finding.
type NotApplicable struct {
	Endpoint string `json:"endpoint"`
	Check    string `json:"check"`
	Reason   string `json:"reason"`
}

// VulnerabilityLess orders findings by endpoint, most severe first, then
// type and the identity pair.
func VulnerabilityLess(x, y *Vulnerability) bool {
	if x.Endpoint != y.Endpoint {
		return x.Endpoint < y.Endpoint
	}
	if x.Method != y.Method {
		return x.Method < y.Method
	}
	if x.Severity != y.Severity {
		return x.Severity > y.Severity
	}
	if x.Type != y.Type {
		return x.Type < y.Type
	}
	if x.ActingIdentity != y.ActingIdentity {
		return x.ActingIdentity < y.ActingIdentity
	}
	return x.TargetIdentity < y.TargetIdentity
}
