package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{
			name: "wrapped",
			data: `{"endpoints":[{"method":"get","path":"/users/{id}","auth_required":true}]}`,
			want: 1,
		},
		{
			name: "bare list",
			data: `[{"method":"GET","path":"/health"},{"method":"GET","path":"/admin/users","admin_only":true}]`,
			want: 2,
		},
		{
			name: "empty catalog",
			data: `{"endpoints":[]}`,
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseJSON([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Len())
		})
	}
}

func TestParseJSONKeepsPIIAnnotations(t *testing.T) {
	c, err := ParseJSON([]byte(`[{"method":"GET","path":"/users/{id}",
		"pii":[{"location":"response_body","path":"ssn","category":"ssn"}]}]`))
	require.NoError(t, err)
	require.Len(t, c.Endpoints()[0].PII, 1)
	assert.Equal(t, "ssn", c.Endpoints()[0].PII[0].Category)
}

func TestParseJSONNormalizes(t *testing.T) {
	c, err := ParseJSON([]byte(`{"endpoints":[
		{"method":"get","path":"/orgs/{org}/users/{id}","auth_required":true,
		 "parameters":[{"name":"id","location":"path","sample_value":"7"},{"name":"verbose"}]}
	]}`))
	require.NoError(t, err)

	ep := c.Endpoints()[0]
	assert.Equal(t, "GET", ep.Method)
	assert.True(t, ep.AuthRequired)

	verbose, ok := ep.Parameter("verbose", types.LocationQuery)
	assert.True(t, ok, "location defaults to query")
	assert.Empty(t, verbose.SampleValue)

	_, ok = ep.Parameter("org", types.LocationPath)
	assert.True(t, ok, "undeclared placeholder is added")
}

func TestParseJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"garbage", `not json`},
		{"missing method", `[{"path":"/x"}]`},
		{"relative path", `[{"method":"GET","path":"x"}]`},
		{"bad location", `[{"method":"GET","path":"/x","parameters":[{"name":"a","location":"body"}]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSON([]byte(tt.data))
			assert.ErrorIs(t, err, ErrUnreadable)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrUnreadable)
}

const sampleOpenAPI = `
openapi: 3.0.3
info:
  title: Sample
  version: "1.0"
security:
  - bearerAuth: []
components:
  securitySchemes:
    bearerAuth:
      type: http
      scheme: bearer
paths:
  /users/{user_id}:
    parameters:
      - name: user_id
        in: path
        required: true
        x-resource-id: true
        schema:
          type: string
          example: "1"
    get:
      x-pii:
        - {location: response_body, path: email, category: email, confidence: 0.95}
      responses:
        "200":
          description: ok
  /health:
    get:
      security: []
      responses:
        "200":
          description: ok
  /public:
    get:
      security:
        - {}
      responses:
        "200":
          description: ok
  /internal/users:
    get:
      x-admin-only: true
      parameters:
        - name: limit
          in: query
          schema:
            type: integer
      responses:
        "200":
          description: ok
  /admin/users:
    delete:
      responses:
        "204":
          description: gone
    get:
      responses:
        "200":
          description: ok
`

func TestParseOpenAPI(t *testing.T) {
	c, err := ParseOpenAPI([]byte(sampleOpenAPI))
	require.NoError(t, err)

	keys := []string{}
	byKey := map[string]*types.Endpoint{}
	for _, ep := range c.Endpoints() {
		keys = append(keys, ep.Key())
		byKey[ep.Key()] = ep
	}
	assert.Equal(t, []string{
		"GET /admin/users",
		"DELETE /admin/users",
		"GET /health",
		"GET /internal/users",
		"GET /public",
		"GET /users/{user_id}",
	}, keys, "paths sorted, methods in fixed order")

	users := byKey["GET /users/{user_id}"]
	assert.True(t, users.AuthRequired, "document security applies")
	require.Len(t, users.Parameters, 1)
	assert.True(t, users.Parameters[0].ResourceID)
	assert.Equal(t, "1", users.Parameters[0].SampleValue)
	assert.Equal(t, []types.PIIAnnotation{{Location: "response_body", Path: "email", Category: "email", Confidence: 0.95}}, users.PII)
	assert.Empty(t, byKey["GET /health"].PII)

	assert.False(t, byKey["GET /health"].AuthRequired, "empty operation security overrides")
	assert.False(t, byKey["GET /public"].AuthRequired, "empty requirement makes auth optional")

	internal := byKey["GET /internal/users"]
	assert.True(t, internal.AdminOnly)
	limit, ok := internal.Parameter("limit", types.LocationQuery)
	require.True(t, ok)
	assert.Equal(t, "1", limit.SampleValue)

	assert.True(t, byKey["GET /admin/users"].AdminOnly, "admin path segment")
}

func TestLoadFileDetectsOpenAPI(t *testing.T) {
	dir := t.TempDir()
	specPath := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(specPath, []byte(sampleOpenAPI), 0o600))

	c, err := LoadFile(specPath)
	require.NoError(t, err)
	assert.Equal(t, 6, c.Len())

	jsonPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"method":"GET","path":"/a"}]`), 0o600))
	c, err = LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestParseTraffic(t *testing.T) {
	records, err := ParseTraffic([]byte(`[
		{"endpoint":"/login","method":"post",
		 "request":{"headers":{"Content-Type":"application/json"},"body":{"password":"abc123"}},
		 "response":{"status":200,"body":{"ok":true}}}
	]`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "POST", records[0].Method)
	assert.Equal(t, 200, records[0].Response.Status)

	ct, ok := records[0].RequestHeader("content-type")
	assert.True(t, ok)
	assert.Equal(t, "application/json", ct)

	_, err = ParseTraffic([]byte(`[{"method":"GET"}]`))
	assert.Error(t, err)

	records, err = ParseTraffic([]byte(`{"records":[{"endpoint":"/a","method":"GET","request":{},"response":{"status":404}}]}`))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
