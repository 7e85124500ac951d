// Package analyzer compares probe outcomes across identities and classifies
// authorization weaknesses.
package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// Classification decides whether a cross-identity object access is reported
// as IDOR or BOLA.
type Classification string

const (
	// ClassifyBOLA reports every non-owner object access as BOLA.
	ClassifyBOLA Classification = "bola"
	// ClassifyRoleTier reports same-role pairs as IDOR and cross-role pairs as BOLA.
	ClassifyRoleTier Classification = "role_tier"
	// ClassifyIDOR reports every non-owner object access as IDOR.
	ClassifyIDOR Classification = "idor"
)

const (
	CheckMissingAuth         = "missing_auth"
	CheckObjectLevel         = "object_level_authorization"
	CheckPrivilegeEscalation = "privilege_escalation"
)

var findingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/CodeMonkeyCybersecurity/warden/findings"))

// Result is the analyzer output for one scan.
type Result struct {
	Vulnerabilities []types.Vulnerability `json:"vulnerabilities"`
	NotApplicable   []types.NotApplicable `json:"not_applicable,omitempty"`
	// Inconclusive counts failed probes, which never produce findings.
	Inconclusive int `json:"inconclusive"`
}

type Analyzer struct {
	classification Classification
	log            *logger.Logger
	now            func() time.Time
}

type Option func(*Analyzer)

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func New(classification Classification, log *logger.Logger, opts ...Option) *Analyzer {
	if classification == "" {
		classification = ClassifyBOLA
	}
	if log == nil {
		log = logger.NewNop()
	}
	a := &Analyzer{
		classification: classification,
		log:            log.WithComponent("analyzer"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// endpointResults groups the probes that targeted one endpoint.
type endpointResults struct {
	endpoint *types.Endpoint
	results  []*types.ProbeResult
}

// Analyze classifies the results. The output is deterministic for a given
// set of results regardless of the order probes completed in.
func (a *Analyzer) Analyze(ctx context.Context, results []*types.ProbeResult) Result {
	ctx, span := a.log.StartSpan(ctx, "analyzer.Analyze")
	defer span.End()

	var groups []*endpointResults
	byEndpoint := map[*types.Endpoint]*endpointResults{}

	out := Result{}
	for _, res := range results {
		if res == nil || res.TestCase == nil || res.TestCase.Endpoint == nil {
			continue
		}
		if res.Failed() {
			out.Inconclusive++
		}
		ep := res.TestCase.Endpoint
		g, ok := byEndpoint[ep]
		if !ok {
			g = &endpointResults{endpoint: ep}
			byEndpoint[ep] = g
			groups = append(groups, g)
		}
		g.results = append(g.results, res)
	}

	findings := newFindingSet()
	notes := map[types.NotApplicable]struct{}{}
	note := func(ep *types.Endpoint, check, reason string) {
		notes[types.NotApplicable{Endpoint: ep.Key(), Check: check, Reason: reason}] = struct{}{}
	}

	detectedAt := a.now().UTC()
	for _, g := range groups {
		a.checkMissingAuth(g, findings, note)
		a.checkObjectLevel(g, findings, note)
		a.checkPrivilegeEscalation(g, findings, note)
	}

	out.Vulnerabilities = findings.sorted()
	for i := range out.Vulnerabilities {
		v := &out.Vulnerabilities[i]
		v.DetectedAt = detectedAt
		a.log.LogVulnerability(ctx, v)
	}

	for n := range notes {
		a.log.Debugw("Check not applicable", "endpoint", n.Endpoint, "check", n.Check, "reason", n.Reason)
		out.NotApplicable = append(out.NotApplicable, n)
	}
	sort.Slice(out.NotApplicable, func(i, j int) bool {
		x, y := out.NotApplicable[i], out.NotApplicable[j]
		if x.Endpoint != y.Endpoint {
			return x.Endpoint < y.Endpoint
		}
		if x.Check != y.Check {
			return x.Check < y.Check
		}
		return x.Reason < y.Reason
	})
	return out
}

type noteFunc func(ep *types.Endpoint, check, reason string)

// checkMissingAuth emits at most one finding per endpoint: the first
// successful anonymous probe in plan order.
func (a *Analyzer) checkMissingAuth(g *endpointResults, findings *findingSet, note noteFunc) {
	ep := g.endpoint
	if !ep.AuthRequired {
		return
	}

	sawAnonymous := false
	for _, res := range g.results {
		tc := res.TestCase
		if tc.Identity == nil || !tc.Identity.IsAnonymous() {
			continue
		}
		sawAnonymous = true
		if !res.Success() {
			continue
		}

		authRequired := true
		findings.add(types.Vulnerability{
			Type:           types.VulnMissingAuth,
			Endpoint:       ep.PathTemplate,
			Method:         ep.Method,
			Severity:       types.SeverityHigh,
			ActingIdentity: tc.Identity.Name,
			Title:          fmt.Sprintf("Unauthenticated access to %s", ep.Key()),
			Evidence: types.Evidence{
				Probes:       []types.ProbeEvidence{res.Evidence()},
				AuthRequired: &authRequired,
				Comparison: fmt.Sprintf("endpoint declares authentication but anonymous request returned %d",
					res.StatusCode),
			},
			Recommendation: recommendation(types.VulnMissingAuth),
		})
		return
	}

	if !sawAnonymous {
		note(ep, CheckMissingAuth, "no anonymous identity probed this endpoint")
	}
}

type controlKey struct {
	owner      string
	resourceID string
}

func (a *Analyzer) checkObjectLevel(g *endpointResults, findings *findingSet, note noteFunc) {
	ep := g.endpoint
	if _, ok := ep.ResourceParameter(); !ok {
		note(ep, CheckObjectLevel, "endpoint has no resource-id parameter")
		return
	}

	controls := map[controlKey]*types.ProbeResult{}
	sawCross := false
	for _, res := range g.results {
		tc := res.TestCase
		switch tc.Kind {
		case types.ProbeOwner:
			controls[controlKey{tc.Identity.Name, tc.ResourceID}] = res
		case types.ProbeCrossIdentity:
			sawCross = true
		}
	}
	if !sawCross {
		note(ep, CheckObjectLevel, "no identity owns a resource id to cross-test")
		return
	}

	for _, res := range g.results {
		tc := res.TestCase
		if tc.Kind != types.ProbeCrossIdentity || tc.Owner == nil {
			continue
		}
		if !res.Success() || res.Denied() {
			continue
		}

		control := controls[controlKey{tc.Owner.Name, tc.ResourceID}]
		if control == nil || !control.Success() {
			note(ep, CheckObjectLevel, fmt.Sprintf("owner control probe for %s resource %s did not succeed",
				tc.Owner.Name, tc.ResourceID))
			continue
		}

		match := compareBodies(res, control, tc.Owner, tc.ResourceID)
		severity := types.SeverityHigh
		if match.ownerIdentified() {
			severity = types.SeverityCritical
		}

		vulnType := a.classify(tc.Identity, tc.Owner)
		findings.add(types.Vulnerability{
			Type:           vulnType,
			Endpoint:       ep.PathTemplate,
			Method:         ep.Method,
			Severity:       severity,
			ActingIdentity: tc.Identity.Name,
			TargetIdentity: tc.Owner.Name,
			ResourceID:     tc.ResourceID,
			Title: fmt.Sprintf("%s can read %s's resource %s via %s",
				tc.Identity.Name, tc.Owner.Name, tc.ResourceID, ep.Key()),
			Evidence: types.Evidence{
				Probes: []types.ProbeEvidence{control.Evidence(), res.Evidence()},
				Comparison: fmt.Sprintf("owner %s received %d and non-owner %s received %d for resource %s",
					tc.Owner.Name, control.StatusCode, tc.Identity.Name, res.StatusCode, tc.ResourceID),
				EchoedResourceID: match.echoedID,
				MatchedMarkers:   match.markers,
				IdenticalBody:    match.identical,
			},
			Recommendation: recommendation(vulnType),
		})
	}
}

func (a *Analyzer) classify(actor, owner *types.Identity) types.VulnType {
	switch a.classification {
	case ClassifyIDOR:
		return types.VulnIDOR
	case ClassifyRoleTier:
		if actor.Role == owner.Role {
			return types.VulnIDOR
		}
		return types.VulnBOLA
	default:
		return types.VulnBOLA
	}
}

// checkPrivilegeEscalation flags successful requests to admin-only endpoints
// from lower-privilege identities. Anonymous access to an endpoint that also
// requires authentication is already reported as missing auth.
func (a *Analyzer) checkPrivilegeEscalation(g *endpointResults, findings *findingSet, note noteFunc) {
	ep := g.endpoint
	if !ep.AdminOnly {
		return
	}

	var adminProbe *types.ProbeResult
	for _, res := range g.results {
		if id := res.TestCase.Identity; id != nil && id.Role == types.RoleAdmin && res.Success() {
			adminProbe = res
			break
		}
	}

	sawLower := false
	for _, res := range g.results {
		id := res.TestCase.Identity
		if id == nil || id.Role.Rank() >= types.RoleAdmin.Rank() {
			continue
		}
		if id.IsAnonymous() && ep.AuthRequired {
			continue
		}
		sawLower = true
		if !res.Success() {
			continue
		}

		adminOnly := true
		probes := []types.ProbeEvidence{res.Evidence()}
		comparison := fmt.Sprintf("%s (%s) received %d from an admin-only endpoint", id.Name, id.Role, res.StatusCode)
		if adminProbe != nil {
			probes = append([]types.ProbeEvidence{adminProbe.Evidence()}, probes...)
			comparison = fmt.Sprintf("admin %s received %d and %s (%s) received %d",
				adminProbe.TestCase.Identity.Name, adminProbe.StatusCode, id.Name, id.Role, res.StatusCode)
		}

		findings.add(types.Vulnerability{
			Type:           types.VulnPrivilegeEscalation,
			Endpoint:       ep.PathTemplate,
			Method:         ep.Method,
			Severity:       types.SeverityCritical,
			ActingIdentity: id.Name,
			Title:          fmt.Sprintf("%s reached admin-only %s", id.Name, ep.Key()),
			Evidence: types.Evidence{
				Probes:     probes,
				AdminOnly:  &adminOnly,
				Comparison: comparison,
			},
			Recommendation: recommendation(types.VulnPrivilegeEscalation),
		})
	}

	if !sawLower {
		note(ep, CheckPrivilegeEscalation, "no lower-privilege identity probed this endpoint")
	}
}

func recommendation(t types.VulnType) string {
	switch t {
	case types.VulnMissingAuth:
		return "Require a valid credential before serving this endpoint and reject anonymous requests with 401."
	case types.VulnIDOR, types.VulnBOLA:
		return "Check that the authenticated caller owns or is granted the requested object on every access, and return 403 or 404 otherwise."
	case types.VulnPrivilegeEscalation:
		return "Enforce role checks on admin-only operations server side and deny lower-privilege callers with 403."
	}
	return ""
}

// findingSet deduplicates on (endpoint, type, acting, target) and keeps the
// most severe instance.
type findingSet struct {
	byKey map[string]types.Vulnerability
}

func newFindingSet() *findingSet {
	return &findingSet{byKey: map[string]types.Vulnerability{}}
}

func findingKey(v *types.Vulnerability) string {
	return strings.Join([]string{v.EndpointKey(), string(v.Type), v.ActingIdentity, v.TargetIdentity}, "\x00")
}

func (s *findingSet) add(v types.Vulnerability) {
	key := findingKey(&v)
	if existing, ok := s.byKey[key]; ok && existing.Severity >= v.Severity {
		return
	}
	v.ID = uuid.NewSHA1(findingNamespace, []byte(key)).String()
	v.Status = types.StatusOpen
	s.byKey[key] = v
}

// sorted orders findings by endpoint, then most severe first.
func (s *findingSet) sorted() []types.Vulnerability {
	out := make([]types.Vulnerability, 0, len(s.byKey))
	for _, v := range s.byKey {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return types.VulnerabilityLess(&out[i], &out[j])
	})
	return out
}
