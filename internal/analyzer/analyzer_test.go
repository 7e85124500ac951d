package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

var (
	userA = &types.Identity{Name: "user_a", Role: types.RoleUser, OwnedResourceIDs: []string{"1"}, Markers: []string{"a@example.com"}}
	userB = &types.Identity{Name: "user_b", Role: types.RoleUser, OwnedResourceIDs: []string{"2"}, Markers: []string{"b@example.com"}}
	admin = &types.Identity{Name: "root", Role: types.RoleAdmin}
	anon  = &types.Identity{Name: "anon", Role: types.RoleAnonymous}
)

func usersEndpoint() *types.Endpoint {
	return &types.Endpoint{
		Method:       "GET",
		PathTemplate: "/users/{id}",
		AuthRequired: true,
		Parameters:   []types.Parameter{{Name: "id", Location: types.LocationPath}},
	}
}

func result(ep *types.Endpoint, kind types.ProbeKind, actor, owner *types.Identity, id string, status int, body string) *types.ProbeResult {
	return &types.ProbeResult{
		TestCase: &types.TestCase{
			Kind:       kind,
			Endpoint:   ep,
			Identity:   actor,
			Owner:      owner,
			ResourceID: id,
			Request:    types.ProbeRequest{Method: ep.Method, URL: "http://api.local" + ep.PathTemplate},
		},
		StatusCode: status,
		Body:       []byte(body),
		BodyHash:   murmur3.Sum64([]byte(body)),
		Attempts:   1,
	}
}

func failed(ep *types.Endpoint, kind types.ProbeKind, actor, owner *types.Identity, id string) *types.ProbeResult {
	r := result(ep, kind, actor, owner, id, 0, "")
	r.Error = "context deadline exceeded"
	return r
}

const userABody = `{"id":1,"email":"a@example.com"}`
const userBBody = `{"id":2,"email":"b@example.com"}`

func fixedClock() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func TestScenarioCrossUserRead(t *testing.T) {
	ep := usersEndpoint()
	results := []*types.ProbeResult{
		result(ep, types.ProbeOwner, userA, userA, "1", 200, userABody),
		result(ep, types.ProbeCrossIdentity, userB, userA, "1", 200, userABody),
		result(ep, types.ProbeCrossIdentity, anon, userA, "1", 401, `{"error":"unauthorized"}`),
		result(ep, types.ProbeOwner, userB, userB, "2", 200, userBBody),
		result(ep, types.ProbeCrossIdentity, userA, userB, "2", 403, `{"error":"forbidden"}`),
		result(ep, types.ProbeCrossIdentity, anon, userB, "2", 401, `{"error":"unauthorized"}`),
	}

	out := New(ClassifyBOLA, nil, WithClock(fixedClock)).Analyze(context.Background(), results)

	require.Len(t, out.Vulnerabilities, 1)
	v := out.Vulnerabilities[0]
	assert.Equal(t, types.VulnBOLA, v.Type)
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Equal(t, "/users/{id}", v.Endpoint)
	assert.Equal(t, "user_b", v.ActingIdentity)
	assert.Equal(t, "user_a", v.TargetIdentity)
	assert.Equal(t, "1", v.ResourceID)
	assert.Equal(t, types.StatusOpen, v.Status)
	assert.Equal(t, fixedClock(), v.DetectedAt)
	assert.Len(t, v.Evidence.Probes, 2, "evidence compares two identities")
	assert.True(t, v.Evidence.EchoedResourceID)
	assert.Equal(t, []string{"a@example.com"}, v.Evidence.MatchedMarkers)
	assert.True(t, v.Evidence.IdenticalBody)
	assert.NotEmpty(t, v.Recommendation)
}

func TestClassificationModes(t *testing.T) {
	ep := usersEndpoint()
	results := []*types.ProbeResult{
		result(ep, types.ProbeOwner, userA, userA, "1", 200, userABody),
		result(ep, types.ProbeCrossIdentity, userB, userA, "1", 200, userABody),
		result(ep, types.ProbeCrossIdentity, admin, userA, "1", 200, userABody),
	}

	tests := []struct {
		mode      Classification
		wantAdmin types.VulnType
		wantUser  types.VulnType
	}{
		{ClassifyBOLA, types.VulnBOLA, types.VulnBOLA},
		{ClassifyRoleTier, types.VulnBOLA, types.VulnIDOR},
		{ClassifyIDOR, types.VulnIDOR, types.VulnIDOR},
		{"", types.VulnBOLA, types.VulnBOLA},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			out := New(tt.mode, nil).Analyze(context.Background(), results)
			got := map[string]types.VulnType{}
			for _, v := range out.Vulnerabilities {
				got[v.ActingIdentity] = v.Type
			}
			assert.Equal(t, map[string]types.VulnType{"root": tt.wantAdmin, "user_b": tt.wantUser}, got)
		})
	}
}

func TestDeniedResponsesProduceNoFinding(t *testing.T) {
	for _, status := range []int{401, 403, 404} {
		ep := usersEndpoint()
		results := []*types.ProbeResult{
			result(ep, types.ProbeOwner, userA, userA, "1", 200, userABody),
			result(ep, types.ProbeCrossIdentity, userB, userA, "1", status, userABody),
		}
		out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)
		assert.Empty(t, out.Vulnerabilities, "status %d", status)
	}
}

func TestSeverityHighWithoutOwnerContent(t *testing.T) {
	ep := usersEndpoint()
	results := []*types.ProbeResult{
		result(ep, types.ProbeOwner, userA, userA, "1", 200, userABody),
		result(ep, types.ProbeCrossIdentity, userB, userA, "1", 200, `{"ok":true,"count":11}`),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	require.Len(t, out.Vulnerabilities, 1)
	assert.Equal(t, types.SeverityHigh, out.Vulnerabilities[0].Severity)
	assert.False(t, out.Vulnerabilities[0].Evidence.EchoedResourceID, "11 is not the id 1")
}

func TestMissingAuthAndBOLABothEmitted(t *testing.T) {
	ep := usersEndpoint()
	results := []*types.ProbeResult{
		result(ep, types.ProbeOwner, userA, userA, "1", 200, userABody),
		result(ep, types.ProbeCrossIdentity, anon, userA, "1", 200, userABody),
		result(ep, types.ProbeOwner, userB, userB, "2", 200, userBBody),
		result(ep, types.ProbeCrossIdentity, anon, userB, "2", 200, userBBody),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	var missing, bola int
	for _, v := range out.Vulnerabilities {
		switch v.Type {
		case types.VulnMissingAuth:
			missing++
			assert.Equal(t, types.SeverityHigh, v.Severity)
			require.NotNil(t, v.Evidence.AuthRequired)
			assert.True(t, *v.Evidence.AuthRequired)
		case types.VulnBOLA:
			bola++
		}
	}
	assert.Equal(t, 1, missing, "exactly one missing-auth finding per endpoint")
	assert.Equal(t, 2, bola, "one per identity pair")
}

func TestMissingAuthRequiresDeclaration(t *testing.T) {
	ep := &types.Endpoint{Method: "GET", PathTemplate: "/health"}
	results := []*types.ProbeResult{result(ep, types.ProbeAuthPresence, anon, nil, "", 200, "ok")}

	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)
	assert.Empty(t, out.Vulnerabilities)
}

func TestPrivilegeEscalation(t *testing.T) {
	ep := &types.Endpoint{Method: "GET", PathTemplate: "/admin/users", AuthRequired: true, AdminOnly: true}
	results := []*types.ProbeResult{
		result(ep, types.ProbeAuthPresence, userA, nil, "", 200, `[]`),
		result(ep, types.ProbeAuthPresence, userB, nil, "", 403, ``),
		result(ep, types.ProbeAuthPresence, admin, nil, "", 200, `[]`),
		result(ep, types.ProbeAuthPresence, anon, nil, "", 401, ``),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	require.Len(t, out.Vulnerabilities, 1)
	v := out.Vulnerabilities[0]
	assert.Equal(t, types.VulnPrivilegeEscalation, v.Type)
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Equal(t, "user_a", v.ActingIdentity)
	assert.Len(t, v.Evidence.Probes, 2, "admin baseline included")
}

func TestFailedProbesAreInconclusive(t *testing.T) {
	ep := usersEndpoint()
	results := []*types.ProbeResult{
		failed(ep, types.ProbeOwner, userA, userA, "1"),
		failed(ep, types.ProbeCrossIdentity, userB, userA, "1"),
		failed(ep, types.ProbeCrossIdentity, anon, userA, "1"),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	assert.Empty(t, out.Vulnerabilities)
	assert.Equal(t, 3, out.Inconclusive)
}

func TestFailedControlIsNotApplicable(t *testing.T) {
	ep := usersEndpoint()
	results := []*types.ProbeResult{
		result(ep, types.ProbeOwner, userA, userA, "1", 500, ``),
		result(ep, types.ProbeCrossIdentity, userB, userA, "1", 200, userABody),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	assert.Empty(t, out.Vulnerabilities)
	assert.Contains(t, out.NotApplicable, types.NotApplicable{
		Endpoint: "GET /users/{id}",
		Check:    CheckObjectLevel,
		Reason:   "owner control probe for user_a resource 1 did not succeed",
	})
}

func TestNoResourceParameterIsNotApplicable(t *testing.T) {
	ep := &types.Endpoint{Method: "GET", PathTemplate: "/me", AuthRequired: true}
	results := []*types.ProbeResult{
		result(ep, types.ProbeAuthPresence, userA, nil, "", 200, userABody),
		result(ep, types.ProbeAuthPresence, anon, nil, "", 401, ``),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	assert.Empty(t, out.Vulnerabilities)
	require.Len(t, out.NotApplicable, 1)
	assert.Equal(t, CheckObjectLevel, out.NotApplicable[0].Check)
}

func TestDedupeKeepsMaxSeverityAndStableIDs(t *testing.T) {
	ep := usersEndpoint()
	multi := &types.Identity{Name: "user_a", Role: types.RoleUser, OwnedResourceIDs: []string{"1", "3"}}
	results := []*types.ProbeResult{
		result(ep, types.ProbeOwner, multi, multi, "1", 200, `{"id":1}`),
		result(ep, types.ProbeCrossIdentity, userB, multi, "1", 200, `{"ok":true}`),
		result(ep, types.ProbeOwner, multi, multi, "3", 200, `{"id":3}`),
		result(ep, types.ProbeCrossIdentity, userB, multi, "3", 200, `{"id":3}`),
	}
	a := New(ClassifyBOLA, nil)
	out := a.Analyze(context.Background(), results)

	require.Len(t, out.Vulnerabilities, 1)
	assert.Equal(t, types.SeverityCritical, out.Vulnerabilities[0].Severity)
	assert.Equal(t, "3", out.Vulnerabilities[0].ResourceID)

	again := a.Analyze(context.Background(), results)
	assert.Equal(t, out.Vulnerabilities[0].ID, again.Vulnerabilities[0].ID)
}

func TestFindingOrder(t *testing.T) {
	users := usersEndpoint()
	adminEp := &types.Endpoint{Method: "GET", PathTemplate: "/admin", AuthRequired: true, AdminOnly: true}
	results := []*types.ProbeResult{
		result(users, types.ProbeOwner, userA, userA, "1", 200, userABody),
		result(users, types.ProbeCrossIdentity, userB, userA, "1", 200, `{}`),
		result(users, types.ProbeCrossIdentity, anon, userA, "1", 200, userABody),
		result(adminEp, types.ProbeAuthPresence, userB, nil, "", 200, `{}`),
	}
	out := New(ClassifyBOLA, nil).Analyze(context.Background(), results)

	var got []string
	for _, v := range out.Vulnerabilities {
		got = append(got, v.Endpoint+" "+string(v.Type)+" "+v.Severity.String()+" "+v.ActingIdentity)
	}
	assert.Equal(t, []string{
		"/admin PRIVILEGE_ESCALATION critical user_b",
		"/users/{id} BOLA critical anon",
		"/users/{id} BOLA high user_b",
		"/users/{id} MISSING_AUTH high anon",
	}, got)
}

func TestContainsValue(t *testing.T) {
	tests := []struct {
		body  string
		value string
		want  bool
	}{
		{`{"id":1}`, "1", true},
		{`{"id":11}`, "1", false},
		{`{"user":{"ids":["a","b-7"]}}`, "b-7", true},
		{`<p>user 42 profile</p>`, "42", true},
		{`<p>user 420</p>`, "42", false},
		{`{"id":1}`, "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsValue([]byte(tt.body), tt.value), "%s in %s", tt.value, tt.body)
	}
}
