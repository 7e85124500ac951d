package types

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// Role is the privilege tier of a test identity.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
)

// Rank orders roles by privilege. Unknown roles rank below anonymous.
func (r Role) Rank() int {
	switch r {
	case RoleAnonymous:
		return 0
	case RoleUser:
		return 1
	case RoleAdmin:
		return 2
	}
	return -1
}

func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// CredentialScheme selects how a token is attached to a probe request.
type CredentialScheme string

const (
	SchemeNone   CredentialScheme = ""
	SchemeBearer CredentialScheme = "bearer"
	SchemeAPIKey CredentialScheme = "api_key"
	SchemeBasic  CredentialScheme = "basic"
	SchemeCookie CredentialScheme = "cookie"
)

type Credential struct {
	Scheme CredentialScheme `json:"scheme" yaml:"scheme"`
	// Header overrides the header name for api_key credentials (default X-API-Key)
	// and the cookie name for cookie credentials (default session).
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
	Token  string `json:"-" yaml:"token"`
}

// Apply attaches the credential to h. A zero credential is a no-op.
func (c Credential) Apply(h http.Header) {
	if c.Token == "" {
		return
	}
	switch c.Scheme {
	case SchemeBearer:
		h.Set("Authorization", "Bearer "+c.Token)
	case SchemeAPIKey:
		name := c.Header
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, c.Token)
	case SchemeBasic:
		token := c.Token
		if strings.Contains(token, ":") {
			token = base64.StdEncoding.EncodeToString([]byte(token))
		}
		h.Set("Authorization", "Basic "+token)
	case SchemeCookie:
		name := c.Header
		if name == "" {
			name = "session"
		}
		h.Add("Cookie", fmt.Sprintf("%s=%s", name, c.Token))
	}
}

// Identity is a named test principal. Identities are loaded once per scan
// and shared by pointer; nothing may mutate them after load.
type Identity struct {
	Name       string     `json:"name" yaml:"name"`
	Role       Role       `json:"role" yaml:"role"`
	Credential Credential `json:"credential" yaml:"credential"`
	// OwnedResourceIDs is an ordered set; order drives probe generation.
	OwnedResourceIDs []string `json:"owns,omitempty" yaml:"owns"`
	// Markers are values that identify this identity's data in a response
	// body, such as an email address.
	Markers []string `json:"markers,omitempty" yaml:"markers"`
}

func (i *Identity) IsAnonymous() bool {
	return i.Role == RoleAnonymous
}

func (i *Identity) Owns(resourceID string) bool {
	for _, id := range i.OwnedResourceIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}
