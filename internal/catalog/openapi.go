package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

const (
	extAdminOnly  = "x-admin-only"
	extResourceID = "x-resource-id"
	// extPII carries PII classifier annotations as a list of
	// {location, path, category, confidence}.
	extPII = "x-pii"
)

var methodOrder = []string{"GET", "HEAD", "OPTIONS", "POST", "PUT", "PATCH", "DELETE", "TRACE"}

// ParseOpenAPI builds a catalog from an OpenAPI 3 document. Paths are
// emitted in lexical order and methods in a fixed order so the catalog is
// stable across loads.
func ParseOpenAPI(data []byte) (*Catalog, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: openapi: %v", ErrUnreadable, err)
	}
	if doc.Paths == nil {
		return New(nil)
	}

	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var endpoints []types.Endpoint
	for _, path := range paths {
		item := pathMap[path]
		if item == nil {
			continue
		}
		ops := item.Operations()
		for _, method := range methodOrder {
			op, ok := ops[method]
			if !ok || op == nil {
				continue
			}
			pii, err := piiExtension(op.Extensions)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreadable, method, path, err)
			}
			endpoints = append(endpoints, types.Endpoint{
				Method:       method,
				PathTemplate: path,
				AuthRequired: operationRequiresAuth(doc, op),
				AdminOnly:    boolExtension(op.Extensions, extAdminOnly) || hasAdminSegment(path),
				Parameters:   operationParameters(item, op),
				PII:          pii,
			})
		}
	}
	return New(endpoints)
}

// operationRequiresAuth follows OpenAPI scoping: operation security
// overrides the document default, and an empty requirement ({}) makes
// authentication optional.
func operationRequiresAuth(doc *openapi3.T, op *openapi3.Operation) bool {
	reqs := doc.Security
	if op.Security != nil {
		reqs = *op.Security
	}
	if len(reqs) == 0 {
		return false
	}
	for _, req := range reqs {
		if len(req) == 0 {
			return false
		}
	}
	return true
}

func operationParameters(item *openapi3.PathItem, op *openapi3.Operation) []types.Parameter {
	type key struct{ name, in string }
	var order []key
	byKey := map[key]*openapi3.Parameter{}

	add := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			if ref == nil || ref.Value == nil {
				continue
			}
			k := key{ref.Value.Name, ref.Value.In}
			if _, seen := byKey[k]; !seen {
				order = append(order, k)
			}
			byKey[k] = ref.Value
		}
	}
	add(item.Parameters)
	add(op.Parameters)

	params := make([]types.Parameter, 0, len(order))
	for _, k := range order {
		p := byKey[k]
		loc := types.ParamLocation(p.In)
		switch loc {
		case types.LocationPath, types.LocationQuery, types.LocationHeader:
		default:
			continue
		}
		params = append(params, types.Parameter{
			Name:        p.Name,
			Location:    loc,
			SampleValue: sampleValue(p),
			ResourceID:  boolExtension(p.Extensions, extResourceID),
		})
	}
	return params
}

func sampleValue(p *openapi3.Parameter) string {
	if p.Example != nil {
		return fmt.Sprint(p.Example)
	}
	if examples := sortedExamples(p.Examples); len(examples) > 0 {
		return examples[0]
	}
	if p.Schema != nil && p.Schema.Value != nil {
		s := p.Schema.Value
		if s.Example != nil {
			return fmt.Sprint(s.Example)
		}
		if s.Default != nil {
			return fmt.Sprint(s.Default)
		}
		if len(s.Enum) > 0 {
			return fmt.Sprint(s.Enum[0])
		}
		if s.Type != nil && (s.Type.Is(openapi3.TypeInteger) || s.Type.Is(openapi3.TypeNumber)) {
			return "1"
		}
	}
	return ""
}

func sortedExamples(examples openapi3.Examples) []string {
	names := make([]string, 0, len(examples))
	for name := range examples {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		ref := examples[name]
		if ref != nil && ref.Value != nil && ref.Value.Value != nil {
			out = append(out, fmt.Sprint(ref.Value.Value))
		}
	}
	return out
}

func boolExtension(ext map[string]any, name string) bool {
	v, ok := ext[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func piiExtension(ext map[string]any) ([]types.PIIAnnotation, error) {
	v, ok := ext[extPII]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []types.PIIAnnotation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid %s: %v", extPII, err)
	}
	return out, nil
}

func hasAdminSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if strings.EqualFold(seg, "admin") {
			return true
		}
	}
	return false
}
