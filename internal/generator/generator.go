// Package generator turns catalog endpoints and registry identities into
// concrete probe requests.
package generator

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// defaultSample fills placeholders the catalog gave no sample value for.
const defaultSample = "1"

type Generator struct {
	baseURL   string
	userAgent string
}

type Option func(*Generator)

func WithUserAgent(ua string) Option {
	return func(g *Generator) { g.userAgent = ua }
}

// New returns a generator that targets baseURL (scheme and host, optionally
// with a path prefix).
func New(baseURL string, opts ...Option) (*Generator, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: host is required", baseURL)
	}

	g := &Generator{baseURL: strings.TrimRight(u.String(), "/")}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate plans every probe for the catalog. Output order is endpoint
// order, then registry order, then owned-id order, and the same inputs
// always produce the same plan.
func (g *Generator) Generate(endpoints []*types.Endpoint, identities []*types.Identity) []*types.TestCase {
	var cases []*types.TestCase
	for _, ep := range endpoints {
		cases = append(cases, g.ForEndpoint(ep, identities)...)
	}
	for i, tc := range cases {
		tc.Index = i
	}
	return cases
}

// ForEndpoint plans the probes for one endpoint.
//
// With a resource-id parameter, every owner A requests each of its own ids
// (the control) and every other identity requests the same id (the
// cross-identity probe). Identities that end up with no probe, which only
// happens when nobody owns anything, get an auth-presence probe instead.
// Without a resource-id parameter each identity gets one auth-presence
// probe.
func (g *Generator) ForEndpoint(ep *types.Endpoint, identities []*types.Identity) []*types.TestCase {
	param, ok := ep.ResourceParameter()
	if !ok {
		cases := make([]*types.TestCase, 0, len(identities))
		for _, id := range identities {
			cases = append(cases, g.testCase(ep, id, nil, types.ProbeAuthPresence, nil, ""))
		}
		return cases
	}

	var cases []*types.TestCase
	covered := make(map[*types.Identity]bool, len(identities))
	for _, owner := range identities {
		for _, resourceID := range owner.OwnedResourceIDs {
			cases = append(cases, g.testCase(ep, owner, owner, types.ProbeOwner, &param, resourceID))
			covered[owner] = true

			for _, other := range identities {
				if other == owner {
					continue
				}
				cases = append(cases, g.testCase(ep, other, owner, types.ProbeCrossIdentity, &param, resourceID))
				covered[other] = true
			}
		}
	}

	for _, id := range identities {
		if !covered[id] {
			cases = append(cases, g.testCase(ep, id, nil, types.ProbeAuthPresence, nil, ""))
		}
	}
	return cases
}

func (g *Generator) testCase(ep *types.Endpoint, actor, owner *types.Identity, kind types.ProbeKind, resource *types.Parameter, resourceID string) *types.TestCase {
	return &types.TestCase{
		Kind:       kind,
		Endpoint:   ep,
		Identity:   actor,
		Owner:      owner,
		ResourceID: resourceID,
		Request:    g.buildRequest(ep, actor, resource, resourceID),
	}
}

func (g *Generator) buildRequest(ep *types.Endpoint, actor *types.Identity, resource *types.Parameter, resourceID string) types.ProbeRequest {
	value := func(p types.Parameter) string {
		if resource != nil && p.Name == resource.Name && p.Location == resource.Location {
			return resourceID
		}
		if p.SampleValue != "" {
			return p.SampleValue
		}
		return defaultSample
	}

	path := ep.PathTemplate
	for _, name := range ep.PathPlaceholders() {
		p, ok := ep.Parameter(name, types.LocationPath)
		if !ok {
			p = types.Parameter{Name: name, Location: types.LocationPath}
		}
		path = strings.Replace(path, "{"+name+"}", url.PathEscape(value(p)), 1)
	}

	headers := http.Header{}
	query := url.Values{}
	for _, p := range ep.Parameters {
		switch p.Location {
		case types.LocationQuery:
			isResource := resource != nil && p.Name == resource.Name && p.Location == resource.Location
			if isResource || p.SampleValue != "" {
				query.Set(p.Name, value(p))
			}
		case types.LocationHeader:
			if p.SampleValue != "" {
				headers.Set(p.Name, p.SampleValue)
			}
		}
	}

	target := g.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	headers.Set("Accept", "application/json")
	if g.userAgent != "" {
		headers.Set("User-Agent", g.userAgent)
	}
	actor.Credential.Apply(headers)

	return types.ProbeRequest{
		Method:  ep.Method,
		URL:     target,
		Headers: headers,
	}
}
