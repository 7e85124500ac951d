// Package identity loads the named test identities a scan probes with.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

var (
	ErrEmptyRegistry   = errors.New("identity registry is empty")
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Registry is an immutable, ordered set of identities. Registry order is
// significant: it fixes the order of generated probes and therefore of
// reports.
type Registry struct {
	identities []*types.Identity
	byName     map[string]*types.Identity
}

type file struct {
	Identities []types.Identity `yaml:"identities"`
}

// LoadFile reads an identities YAML file. Tokens may reference environment
// variables as ${NAME}.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identities file: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

func Parse(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse identities: %w", err)
	}

	for i := range f.Identities {
		token, err := expandEnv(f.Identities[i].Credential.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: identity %q: %v", ErrInvalidIdentity, f.Identities[i].Name, err)
		}
		f.Identities[i].Credential.Token = token
	}
	return New(f.Identities)
}

// New validates ids and freezes them into a registry. The input slice is
// copied; later changes to it do not affect the registry.
func New(ids []types.Identity) (*Registry, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyRegistry
	}

	reg := &Registry{
		identities: make([]*types.Identity, 0, len(ids)),
		byName:     make(map[string]*types.Identity, len(ids)),
	}
	for i, raw := range ids {
		id := raw
		if err := validate(&id); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidIdentity, i, err)
		}
		if _, dup := reg.byName[id.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidIdentity, id.Name)
		}
		id.OwnedResourceIDs = orderedSet(id.OwnedResourceIDs)
		id.Markers = append([]string(nil), id.Markers...)

		reg.identities = append(reg.identities, &id)
		reg.byName[id.Name] = &id
	}
	return reg, nil
}

func validate(id *types.Identity) error {
	if id.Name == "" {
		return fmt.Errorf("name is required")
	}
	if id.Role == "" {
		return fmt.Errorf("identity %q: role is required", id.Name)
	}
	if !id.Role.Valid() {
		return fmt.Errorf("identity %q: unknown role %q", id.Name, id.Role)
	}

	cred := id.Credential
	if id.IsAnonymous() {
		if cred.Token != "" {
			return fmt.Errorf("identity %q: anonymous identities carry no credential", id.Name)
		}
		return nil
	}

	if cred.Token == "" {
		return fmt.Errorf("identity %q: missing credential token", id.Name)
	}
	switch cred.Scheme {
	case types.SchemeBearer, types.SchemeAPIKey, types.SchemeBasic, types.SchemeCookie:
	case types.SchemeNone:
		return fmt.Errorf("identity %q: credential scheme is required", id.Name)
	default:
		return fmt.Errorf("identity %q: unknown credential scheme %q", id.Name, cred.Scheme)
	}
	return nil
}

func orderedSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(value string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", missing[0])
	}
	return out, nil
}

// All returns the identities in registry order. The slice is a copy; the
// identities are shared and must not be modified.
func (r *Registry) All() []*types.Identity {
	out := make([]*types.Identity, len(r.identities))
	copy(out, r.identities)
	return out
}

func (r *Registry) Len() int {
	return len(r.identities)
}

func (r *Registry) Get(name string) (*types.Identity, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Anonymous returns the first anonymous identity, if any.
func (r *Registry) Anonymous() (*types.Identity, bool) {
	for _, id := range r.identities {
		if id.IsAnonymous() {
			return id, true
		}
	}
	return nil, false
}
