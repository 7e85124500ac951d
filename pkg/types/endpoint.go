package types

import (
	"strings"
)

type ParamLocation string

const (
	LocationPath   ParamLocation = "path"
	LocationQuery  ParamLocation = "query"
	LocationHeader ParamLocation = "header"
)

type Parameter struct {
	Name        string        `json:"name" yaml:"name"`
	Location    ParamLocation `json:"location" yaml:"location"`
	SampleValue string        `json:"sample_value,omitempty" yaml:"sample_value"`
	// ResourceID marks the parameter as identifying an owned object.
	ResourceID bool `json:"resource_id,omitempty" yaml:"resource_id"`
}

// Endpoint is one discovered operation. Endpoints are read-only once the
// catalog is loaded and are shared by every test case that targets them.
type Endpoint struct {
	Method       string      `json:"method" yaml:"method"`
	PathTemplate string      `json:"path" yaml:"path"`
	AuthRequired bool        `json:"auth_required" yaml:"auth_required"`
	AdminOnly    bool        `json:"admin_only,omitempty" yaml:"admin_only"`
	Parameters   []Parameter `json:"parameters,omitempty" yaml:"parameters"`
	// PII lists classifier annotations for the endpoint's exchanges.
	PII []PIIAnnotation `json:"pii,omitempty" yaml:"pii"`
}

// Key identifies the endpoint in reports, e.g. "GET /users/{id}".
func (e *Endpoint) Key() string {
	return strings.ToUpper(e.Method) + " " + e.PathTemplate
}

// PathPlaceholders returns the {name} segments of the template in order.
func (e *Endpoint) PathPlaceholders() []string {
	var names []string
	rest := e.PathTemplate
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			return names
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return names
		}
		names = append(names, rest[start+1:start+end])
		rest = rest[start+end+1:]
	}
}

// Parameter looks up a declared parameter by name and location.
func (e *Endpoint) Parameter(name string, loc ParamLocation) (Parameter, bool) {
	for _, p := range e.Parameters {
		if p.Name == name && p.Location == loc {
			return p, true
		}
	}
	return Parameter{}, false
}

// ResourceParameter picks the parameter presumed to identify an owned
// object: an explicitly marked parameter, else the last path placeholder,
// else a query parameter named id or ending in _id/Id.
func (e *Endpoint) ResourceParameter() (Parameter, bool) {
	for _, p := range e.Parameters {
		if p.ResourceID && (p.Location == LocationPath || p.Location == LocationQuery) {
			return p, true
		}
	}
	if names := e.PathPlaceholders(); len(names) > 0 {
		last := names[len(names)-1]
		if p, ok := e.Parameter(last, LocationPath); ok {
			return p, true
		}
		return Parameter{Name: last, Location: LocationPath}, true
	}
	for _, p := range e.Parameters {
		if p.Location != LocationQuery {
			continue
		}
		if strings.EqualFold(p.Name, "id") || strings.HasSuffix(p.Name, "_id") || strings.HasSuffix(p.Name, "Id") {
			return p, true
		}
	}
	return Parameter{}, false
}

// IsWriteMethod reports whether the endpoint may mutate server state.
func IsWriteMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}
