package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

const sampleIdentities = `
identities:
  - name: anon
    role: anonymous
  - name: user_a
    role: user
    credential:
      scheme: bearer
      token: token-a
    owns: ["1", "3", "1"]
    markers: ["alice@example.com"]
  - name: user_b
    role: user
    credential:
      scheme: api_key
      header: X-Token
      token: ${WARDEN_TEST_TOKEN_B}
    owns: ["2"]
  - name: root
    role: admin
    credential:
      scheme: bearer
      token: admin-token
`

func TestParse(t *testing.T) {
	t.Setenv("WARDEN_TEST_TOKEN_B", "token-b")

	reg, err := Parse([]byte(sampleIdentities))
	require.NoError(t, err)
	require.Equal(t, 4, reg.Len())

	names := []string{}
	for _, id := range reg.All() {
		names = append(names, id.Name)
	}
	assert.Equal(t, []string{"anon", "user_a", "user_b", "root"}, names, "registry order preserved")

	a, ok := reg.Get("user_a")
	require.True(t, ok)
	assert.Equal(t, []string{"1", "3"}, a.OwnedResourceIDs, "owned ids are an ordered set")
	assert.Equal(t, []string{"alice@example.com"}, a.Markers)

	b, _ := reg.Get("user_b")
	assert.Equal(t, "token-b", b.Credential.Token)
	assert.Equal(t, types.SchemeAPIKey, b.Credential.Scheme)

	anon, ok := reg.Anonymous()
	require.True(t, ok)
	assert.Equal(t, "anon", anon.Name)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
		msg     string
	}{
		{
			name:    "empty file",
			yaml:    "",
			wantErr: ErrEmptyRegistry,
		},
		{
			name:    "empty list",
			yaml:    "identities: []\n",
			wantErr: ErrEmptyRegistry,
		},
		{
			name:    "missing credential",
			yaml:    "identities:\n  - name: a\n    role: user\n",
			wantErr: ErrInvalidIdentity,
			msg:     "missing credential token",
		},
		{
			name:    "missing scheme",
			yaml:    "identities:\n  - name: a\n    role: user\n    credential: {token: x}\n",
			wantErr: ErrInvalidIdentity,
			msg:     "scheme is required",
		},
		{
			name:    "unknown role",
			yaml:    "identities:\n  - name: a\n    role: superuser\n",
			wantErr: ErrInvalidIdentity,
			msg:     "unknown role",
		},
		{
			name:    "duplicate name",
			yaml:    "identities:\n  - {name: a, role: anonymous}\n  - {name: a, role: anonymous}\n",
			wantErr: ErrInvalidIdentity,
			msg:     "duplicate",
		},
		{
			name:    "anonymous with token",
			yaml:    "identities:\n  - name: a\n    role: anonymous\n    credential: {scheme: bearer, token: x}\n",
			wantErr: ErrInvalidIdentity,
		},
		{
			name:    "unset environment reference",
			yaml:    "identities:\n  - name: a\n    role: user\n    credential: {scheme: bearer, token: \"${WARDEN_DEFINITELY_UNSET}\"}\n",
			wantErr: ErrInvalidIdentity,
			msg:     "WARDEN_DEFINITELY_UNSET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("identities:\n  - name: a\n    role: anonymous\n    password: x\n"))
	assert.Error(t, err)
}

func TestNewCopiesInput(t *testing.T) {
	ids := []types.Identity{{Name: "a", Role: types.RoleAnonymous, OwnedResourceIDs: []string{"1"}}}
	reg, err := New(ids)
	require.NoError(t, err)

	ids[0].Name = "mutated"
	ids[0].OwnedResourceIDs[0] = "9"

	got, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, []string{"1"}, got.OwnedResourceIDs)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("identities:\n  - {name: anon, role: anonymous}\n"), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
