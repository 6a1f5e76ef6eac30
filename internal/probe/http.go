package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/xtxerr/netpulse/internal/records"
)

// HTTPProber sends a HEAD request to the target address. Any HTTP response,
// whatever its status, counts as reachable. Redirects are not followed.
type HTTPProber struct {
	Scheme string
	Port   int // 0 uses the scheme default
	Path   string

	client *http.Client
}

// NewHTTPProber creates an HTTP prober whose connections are pinned to
// stack, so an HTTPv4 probe can never fall back to IPv6 or vice versa.
func NewHTTPProber(scheme string, stack records.Stack) *HTTPProber {
	network := "tcp4"
	if stack == records.StackV6 {
		network = "tcp6"
	}
	dialer := &net.Dialer{}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}

	return &HTTPProber{
		Scheme: scheme,
		Path:   "/",
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, target netip.Addr) (time.Duration, error) {
	url := p.url(target)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "netpulse")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return latency, nil
}

func (p *HTTPProber) url(target netip.Addr) string {
	host := target.String()
	switch {
	case p.Port != 0:
		host = net.JoinHostPort(host, strconv.Itoa(p.Port))
	case target.Is6():
		host = "[" + host + "]"
	}
	path := p.Path
	if path == "" {
		path = "/"
	}
	return p.Scheme + "://" + host + path
}
