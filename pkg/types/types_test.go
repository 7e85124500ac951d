package types

import (
	"encoding/json"
	"net/http"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSeverityRanking(t *testing.T) {
	assert.True(t, SeverityCritical > SeverityHigh)
	assert.True(t, SeverityHigh > SeverityMedium)
	assert.True(t, SeverityMedium > SeverityLow)

	// Lexically "high" < "low", the rank must not follow that.
	sevs := []Severity{SeverityLow, SeverityCritical, SeverityMedium, SeverityHigh}
	sort.Slice(sevs, func(i, j int) bool { return sevs[i] > sevs[j] })
	assert.Equal(t, Severities(), sevs)

	assert.True(t, SeverityHigh.Blocking())
	assert.True(t, SeverityCritical.Blocking())
	assert.False(t, SeverityMedium.Blocking())
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"critical", SeverityCritical, false},
		{"HIGH", SeverityHigh, false},
		{" medium ", SeverityMedium, false},
		{"low", SeverityLow, false},
		{"info", SeverityUnknown, true},
		{"", SeverityUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeverity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeverityCodecs(t *testing.T) {
	data, err := json.Marshal(map[string]Severity{"s": SeverityCritical})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"critical"}`, string(data))

	var fromYAML struct {
		Severity Severity `yaml:"severity"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("severity: high\n"), &fromYAML))
	assert.Equal(t, SeverityHigh, fromYAML.Severity)

	assert.Error(t, yaml.Unmarshal([]byte("severity: urgent\n"), &fromYAML))

	_, err = json.Marshal(SeverityUnknown)
	assert.Error(t, err)
}

func TestSeverityCounts(t *testing.T) {
	var c SeverityCounts
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityHigh, SeverityLow} {
		c.Add(s)
	}
	assert.Equal(t, SeverityCounts{Total: 4, Critical: 1, High: 2, Low: 1}, c)
	assert.Equal(t, 3, c.Blocking())

	merged := c.Merge(SeverityCounts{Total: 1, Medium: 1})
	assert.Equal(t, 5, merged.Total)
	assert.Equal(t, 1, merged.Medium)
}

func TestCredentialApply(t *testing.T) {
	tests := []struct {
		name   string
		cred   Credential
		header string
		want   string
	}{
		{"bearer", Credential{Scheme: SchemeBearer, Token: "t1"}, "Authorization", "Bearer t1"},
		{"api key default header", Credential{Scheme: SchemeAPIKey, Token: "k"}, "X-API-Key", "k"},
		{"api key custom header", Credential{Scheme: SchemeAPIKey, Header: "X-Token", Token: "k"}, "X-Token", "k"},
		{"basic encodes user:pass", Credential{Scheme: SchemeBasic, Token: "a:b"}, "Authorization", "Basic YTpi"},
		{"cookie", Credential{Scheme: SchemeCookie, Header: "sid", Token: "abc"}, "Cookie", "sid=abc"},
		{"anonymous", Credential{}, "Authorization", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			tt.cred.Apply(h)
			assert.Equal(t, tt.want, h.Get(tt.header))
		})
	}
}

func TestEndpointPlaceholders(t *testing.T) {
	ep := &Endpoint{Method: "get", PathTemplate: "/orgs/{org}/users/{id}"}
	assert.Equal(t, []string{"org", "id"}, ep.PathPlaceholders())
	assert.Equal(t, "GET /orgs/{org}/users/{id}", ep.Key())

	assert.Empty(t, (&Endpoint{PathTemplate: "/health"}).PathPlaceholders())
}

func TestProbeResultStates(t *testing.T) {
	ok := &ProbeResult{StatusCode: 200}
	assert.True(t, ok.Success())
	assert.False(t, ok.Denied())

	timeout := &ProbeResult{StatusCode: 0, Error: "context deadline exceeded"}
	assert.True(t, timeout.Failed())
	assert.False(t, timeout.Success())

	skipped := &ProbeResult{SkipReason: "write method not permitted"}
	assert.True(t, skipped.Skipped())
	assert.False(t, skipped.Failed(), "a probe never sent is not a probe error")
	assert.False(t, skipped.Success())

	for _, code := range []int{401, 403, 404} {
		assert.True(t, (&ProbeResult{StatusCode: code}).Denied(), code)
	}
}

func TestProbeResultRecordRedactsCredentials(t *testing.T) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer secret")
	headers.Set("Accept", "application/json")
	res := &ProbeResult{
		TestCase: &TestCase{
			Endpoint: &Endpoint{
				Method: "GET", PathTemplate: "/users/{id}",
				PII: []PIIAnnotation{{Location: "response_body", Path: "email", Category: "email"}},
			},
			Request: ProbeRequest{Method: "GET", URL: "http://api/users/1", Headers: headers},
		},
		StatusCode: 200,
		Body:       []byte(`{"id":"1"}`),
	}

	rec := res.Record()
	assert.Equal(t, "/users/{id}", rec.Endpoint)
	assert.Equal(t, RedactedValue, rec.Request.Headers["Authorization"])
	assert.Equal(t, "application/json", rec.Request.Headers["Accept"])
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"), "original request headers untouched")
	assert.Equal(t, []PIIAnnotation{{Location: "response_body", Path: "email", Category: "email"}}, rec.PII)

	rec.PII[0].Category = "changed"
	assert.Equal(t, "email", res.TestCase.Endpoint.PII[0].Category, "catalog annotations are not shared with records")
}

func TestBodyJSON(t *testing.T) {
	var rec Record
	input := `{"endpoint":"/login","method":"POST",
		"request":{"body":{"password":"abc123"}},
		"response":{"status":200,"body":"plain text"},
		"pii":[{"location":"request_body","path":"password","category":"credential","confidence":0.9}]}`
	require.NoError(t, json.Unmarshal([]byte(input), &rec))
	require.Len(t, rec.PII, 1)
	assert.Equal(t, "credential", rec.PII[0].Category)

	assert.JSONEq(t, `{"password":"abc123"}`, string(rec.Request.Body))
	assert.Equal(t, "plain text", string(rec.Response.Body))

	out, err := json.Marshal(rec.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, `"plain text"`, string(out))
}
