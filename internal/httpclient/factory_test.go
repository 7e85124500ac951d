package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecureClient(t *testing.T) {
	client := NewSecureClient(DefaultConfig())

	assert.NotNil(t, client)
	assert.Equal(t, 30*time.Second, client.Timeout)
}

func TestFromProbeConfig(t *testing.T) {
	cfg := FromProbeConfig(config.ProbeConfig{Timeout: 2 * time.Second, BlockPrivateIPs: true})
	assert.Equal(t, 7*time.Second, cfg.Timeout)
	assert.True(t, cfg.BlockPrivateIPs)
	assert.False(t, cfg.FollowRedirects)
}

func TestBlockPrivateIPs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewSecureClient(SecureClientConfig{Timeout: 5 * time.Second, BlockPrivateIPs: true})
	resp, err := client.Get(server.URL)
	if err == nil {
		CloseBody(resp)
		t.Fatal("expected loopback request to be blocked")
	}
	assert.Contains(t, err.Error(), "private address blocked")
}

func TestAllowsLoopbackWhenDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	client := NewSecureClient(SecureClientConfig{Timeout: 5 * time.Second})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestRedirectsNotFollowedByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/private" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewSecureClient(SecureClientConfig{Timeout: 5 * time.Second})
	resp, err := client.Get(server.URL + "/private")
	require.NoError(t, err)
	defer CloseBody(resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, isPrivateIP(net.ParseIP(tt.ip)))
		})
	}
}

func TestValidateAddressLiteral(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, validateAddress(ctx, "127.0.0.1:8080"))
	assert.NoError(t, validateAddress(ctx, "8.8.8.8:443"))
}

func TestReadBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	body, err := ReadBody(resp, 10)
	require.NoError(t, err)
	assert.Len(t, body, 10)
}

func TestCloseBodyNil(t *testing.T) {
	assert.NotPanics(t, func() {
		CloseBody(nil)
		CloseBody(&http.Response{})
	})
}
