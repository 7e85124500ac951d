// Package catalog loads the endpoint catalog produced by traffic discovery
// and the captured traffic records evaluated by policy rules. The catalog
// is read-only input; nothing here writes back to it.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

var ErrUnreadable = errors.New("endpoint catalog is unreadable")

// Catalog is an immutable snapshot of discovered endpoints in input order.
type Catalog struct {
	endpoints []*types.Endpoint
}

func New(endpoints []types.Endpoint) (*Catalog, error) {
	c := &Catalog{endpoints: make([]*types.Endpoint, 0, len(endpoints))}
	for i, raw := range endpoints {
		ep := raw
		if err := normalize(&ep); err != nil {
			return nil, fmt.Errorf("%w: endpoint %d: %v", ErrUnreadable, i, err)
		}
		c.endpoints = append(c.endpoints, &ep)
	}
	return c, nil
}

// Endpoints returns the endpoints in catalog order. The endpoints are shared
// and must not be modified.
func (c *Catalog) Endpoints() []*types.Endpoint {
	out := make([]*types.Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

func (c *Catalog) Len() int {
	return len(c.endpoints)
}

// LoadFile reads a JSON endpoint catalog or an OpenAPI 3 document; the
// format is detected from the content.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if isOpenAPI(data) {
		return ParseOpenAPI(data)
	}
	return ParseJSON(data)
}

type jsonCatalog struct {
	Endpoints []types.Endpoint `json:"endpoints"`
}

// ParseJSON accepts either {"endpoints": [...]} or a bare list.
func ParseJSON(data []byte) (*Catalog, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrUnreadable)
	}

	var endpoints []types.Endpoint
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &endpoints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
	} else {
		var doc jsonCatalog
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		endpoints = doc.Endpoints
	}
	return New(endpoints)
}

func isOpenAPI(data []byte) bool {
	var probe struct {
		OpenAPI string `json:"openapi" yaml:"openapi"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return false
		}
	} else if err := yaml.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	return probe.OpenAPI != ""
}

func normalize(ep *types.Endpoint) error {
	ep.Method = strings.ToUpper(strings.TrimSpace(ep.Method))
	if ep.Method == "" {
		return fmt.Errorf("method is required")
	}
	if !strings.HasPrefix(ep.PathTemplate, "/") {
		return fmt.Errorf("%s: path %q must start with /", ep.Method, ep.PathTemplate)
	}

	params := make([]types.Parameter, 0, len(ep.Parameters))
	for _, p := range ep.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%s %s: parameter without a name", ep.Method, ep.PathTemplate)
		}
		if p.Location == "" {
			p.Location = types.LocationQuery
		}
		switch p.Location {
		case types.LocationPath, types.LocationQuery, types.LocationHeader:
		default:
			return fmt.Errorf("%s %s: parameter %q has unknown location %q", ep.Method, ep.PathTemplate, p.Name, p.Location)
		}
		params = append(params, p)
	}

	// Placeholders the catalog forgot to declare still need substituting.
	for _, name := range ep.PathPlaceholders() {
		if _, ok := ep.Parameter(name, types.LocationPath); !ok {
			params = append(params, types.Parameter{Name: name, Location: types.LocationPath})
		}
	}
	ep.Parameters = params
	return nil
}
