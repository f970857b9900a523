package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Prober is a single liveness strategy against one endpoint.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) {
	return f(ctx)
}

type HTTPProbeSettings struct {
	Timeout time.Duration `json:"timeout"`
	Path    string        `json:"path"`
	Scheme  string        `json:"scheme"`
}

type HTTPProbe struct {
	client *http.Client
	target string
}

func NewHTTPProbe(settings HTTPProbeSettings, endpoint string) *HTTPProbe {
	if settings.Timeout == 0 {
		settings.Timeout = time.Second
	}
	if settings.Scheme == "" {
		settings.Scheme = "http"
	}
	if settings.Path == "" {
		settings.Path = "/healthz"
	}
	targetURL := url.URL{
		Scheme: settings.Scheme,
		Host:   endpoint,
		Path:   settings.Path,
	}
	clnt := http.Client{
		Timeout: settings.Timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
	return &HTTPProbe{
		client: &clnt,
		target: targetURL.String(),
	}
}

func (p *HTTPProbe) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to form probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe request do error: %w", err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode/100 == 2, nil
}

type TCPProbeSettings struct {
	Timeout time.Duration `json:"timeout"`
}

type TCPProbe struct {
	endpoint string
	timeout  time.Duration
}

func NewTCPProbe(settings TCPProbeSettings, endpoint string) *TCPProbe {
	if settings.Timeout == 0 {
		settings.Timeout = time.Second
	}
	return &TCPProbe{
		endpoint: endpoint,
		timeout:  settings.Timeout,
	}
}

func (p *TCPProbe) Probe(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.endpoint)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}
