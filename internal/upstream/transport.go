// Package upstream provides the outbound transport for proxied requests.
package upstream

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"oidc-redirect-proxy/internal/config"
	"oidc-redirect-proxy/internal/metrics"
)

// Transport sends intercepted requests on to their origin servers, optionally
// through a further proxy. It implements http.RoundTripper.
type Transport struct {
	base     *http.Transport
	proxyURL *url.URL
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTransport creates a Transport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Transport, error) {
	proxy, proxyURL, err := proxyFunc(cfg.Upstream.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	base := &http.Transport{
		Proxy:               proxy,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Transport{
		base:     base,
		proxyURL: proxyURL,
		logger:   logger.With("component", "upstream_transport"),
		metrics:  m,
	}, nil
}

// proxyFunc resolves the upstream proxy setting. Empty defers to the
// environment, DIRECT disables proxying.
func proxyFunc(raw string) (func(*http.Request) (*url.URL, error), *url.URL, error) {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return http.ProxyFromEnvironment, nil, nil
	case strings.EqualFold(v, "DIRECT"):
		return nil, nil, nil
	}
	u, err := config.ParseProxyURL(v)
	if err != nil {
		return nil, nil, err
	}
	return http.ProxyURL(u), u, nil
}

// ProxyURL returns the explicitly configured upstream proxy, or nil when
// traffic goes direct or follows the environment.
func (t *Transport) ProxyURL() *url.URL {
	return t.proxyURL
}

// RoundTrip executes a single upstream round trip. The caller is responsible
// for closing the response body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req) //nolint:bodyclose // body ownership transfers to the proxy engine
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if t.metrics != nil {
			t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream round trip to %s: %w", req.URL.Host, err)
	}

	if t.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		t.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// CloseIdleConnections closes pooled connections that are not in use.
func (t *Transport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}
