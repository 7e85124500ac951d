// Package httpclient builds the HTTP clients used to probe targets.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
)

// ErrPrivateAddress is returned when a dial or redirect targets a blocked range.
var ErrPrivateAddress = errors.New("private address blocked")

type SecureClientConfig struct {
	Timeout time.Duration
	// BlockPrivateIPs refuses to dial loopback, link-local and private ranges.
	BlockPrivateIPs bool
	FollowRedirects bool
	MaxRedirects    int
}

func DefaultConfig() SecureClientConfig {
	return SecureClientConfig{
		Timeout:         30 * time.Second,
		BlockPrivateIPs: true,
		FollowRedirects: false,
		MaxRedirects:    5,
	}
}

// FromProbeConfig derives a client configuration for probing. The per-probe
// timeout is applied through the request context, so the client timeout is
// only a backstop.
func FromProbeConfig(cfg config.ProbeConfig) SecureClientConfig {
	return SecureClientConfig{
		Timeout:         cfg.Timeout + 5*time.Second,
		BlockPrivateIPs: cfg.BlockPrivateIPs,
		FollowRedirects: cfg.FollowRedirects,
		MaxRedirects:    5,
	}
}

// NewSecureClient creates an HTTP client with connection pooling, bounded
// timeouts and optional private address blocking.
//
// Redirects are not followed by default: a 302 to a login page is itself the
// authorization signal the analyzer needs to see.
func NewSecureClient(cfg SecureClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.BlockPrivateIPs {
				if err := validateAddress(ctx, addr); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrPrivateAddress, err)
				}
			}
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if cfg.MaxRedirects > 0 && len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if cfg.BlockPrivateIPs {
				if err := validateURL(req.Context(), req.URL); err != nil {
					return fmt.Errorf("%w on redirect: %v", ErrPrivateAddress, err)
				}
			}
			return nil
		}
	}

	return client
}

func validateAddress(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%s is not a public address", ip)
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return fmt.Errorf("%s resolves to %s", host, ip.IP)
		}
	}
	return nil
}

func validateURL(ctx context.Context, u *url.URL) error {
	if u == nil {
		return fmt.Errorf("empty redirect URL")
	}
	return validateAddress(ctx, u.Host)
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ReadBody reads at most limit bytes of the response body. A limit of zero
// or less reads everything.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	var r io.Reader = resp.Body
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit)
	}
	return io.ReadAll(r)
}

// CloseBody drains and closes a response body so the connection can be
// reused. Unclosed bodies leak pooled connections.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
