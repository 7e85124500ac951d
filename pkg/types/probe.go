package types

import (
	"net/http"
	"time"
)

// ProbeKind records why a test case exists.
type ProbeKind string

const (
	// ProbeOwner is the owner requesting its own resource (the control).
	ProbeOwner ProbeKind = "owner"
	// ProbeCrossIdentity is a non-owner requesting the owner's resource.
	ProbeCrossIdentity ProbeKind = "cross_identity"
	// ProbeAuthPresence checks whether an identity can reach the endpoint at all.
	ProbeAuthPresence ProbeKind = "auth_presence"
)

type ProbeRequest struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"-"`
}

// TestCase is one planned probe. Endpoint, Identity and Owner point into the
// shared read-only catalog and registry.
type TestCase struct {
	Index      int          `json:"index"`
	Kind       ProbeKind    `json:"kind"`
	Endpoint   *Endpoint    `json:"-"`
	Identity   *Identity    `json:"-"`
	Owner      *Identity    `json:"-"`
	ResourceID string       `json:"resource_id,omitempty"`
	Request    ProbeRequest `json:"request"`
}

// ProbeResult is the captured outcome of one executed test case.
// StatusCode is 0 and Error is set when no response was obtained.
// SkipReason is set instead when the probe was deliberately not sent.
type ProbeResult struct {
	TestCase   *TestCase     `json:"-"`
	StatusCode int           `json:"status_code"`
	Body       []byte        `json:"-"`
	Headers    http.Header   `json:"-"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
	BodyHash   uint64        `json:"body_hash,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
}

// Failed reports an inconclusive probe: it was sent but no usable response
// was captured.
func (r *ProbeResult) Failed() bool {
	if r.Skipped() {
		return false
	}
	return r.StatusCode == 0 || r.Error != ""
}

func (r *ProbeResult) Skipped() bool {
	return r.SkipReason != ""
}

// Success reports a conclusive 2xx response.
func (r *ProbeResult) Success() bool {
	return !r.Failed() && r.StatusCode >= 200 && r.StatusCode < 300
}

// Denied reports a response shape that counts as the server enforcing access.
func (r *ProbeResult) Denied() bool {
	switch r.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Evidence summarizes the probe for inclusion in a finding.
func (r *ProbeResult) Evidence() ProbeEvidence {
	ev := ProbeEvidence{
		StatusCode: r.StatusCode,
		BodyHash:   r.BodyHash,
		LatencyMS:  r.Latency.Milliseconds(),
		Error:      r.Error,
	}
	if tc := r.TestCase; tc != nil {
		ev.Kind = tc.Kind
		ev.Method = tc.Request.Method
		ev.URL = tc.Request.URL
		ev.ResourceID = tc.ResourceID
		if tc.Identity != nil {
			ev.Identity = tc.Identity.Name
			ev.Role = tc.Identity.Role
		}
	}
	return ev
}

// Record converts the exchange into a traffic record for policy evaluation.
// Credentials are not copied into the record.
func (r *ProbeResult) Record() Record {
	rec := Record{
		Response: RecordResponse{
			Status:  r.StatusCode,
			Headers: flattenHeaders(r.Headers),
			Body:    Body(r.Body),
		},
	}
	if tc := r.TestCase; tc != nil {
		rec.Method = tc.Request.Method
		rec.URL = tc.Request.URL
		if tc.Endpoint != nil {
			rec.Endpoint = tc.Endpoint.PathTemplate
			rec.PII = append([]PIIAnnotation(nil), tc.Endpoint.PII...)
		}
		rec.Request.Headers = redactHeaders(flattenHeaders(tc.Request.Headers))
	}
	return rec
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	return out
}

func redactHeaders(h map[string]string) map[string]string {
	for k := range h {
		if IsSensitiveHeader(k) {
			h[k] = RedactedValue
		}
	}
	return h
}
