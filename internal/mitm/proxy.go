// Package mitm wires the intercepting HTTP(S) proxy engine.
package mitm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/elazarl/goproxy"

	"oidc-redirect-proxy/internal/config"
)

// ResponseHandler receives every upstream response before it is returned to
// the client. resp is nil when the upstream round trip failed.
type ResponseHandler interface {
	HandleResponse(resp *http.Response, req *http.Request) *http.Response
}

// NewProxy builds the proxy engine. CONNECT requests for hosts matching
// cfg.MITM.Hosts are intercepted with certificates signed by ca; other hosts
// are tunneled untouched. Every request goes upstream through rt and every
// response is handed to h.
func NewProxy(cfg *config.Config, ca *Authority, h ResponseHandler, rt http.RoundTripper, logger *slog.Logger) *goproxy.ProxyHttpServer {
	logger = logger.With("component", "mitm_proxy")

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = strings.EqualFold(cfg.Log.Level, "debug")
	proxy.Logger = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	if u := explicitConnectProxy(cfg.Upstream.ProxyURL); u != "" {
		if dial := proxy.NewConnectDialToProxy(u); dial != nil {
			proxy.ConnectDial = dial
		}
	} else if strings.EqualFold(strings.TrimSpace(cfg.Upstream.ProxyURL), "DIRECT") {
		proxy.ConnectDial = nil
	}

	mitmAction := &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: goproxy.TLSConfigFromCA(&ca.Cert),
	}
	hosts := cfg.MITM.Hosts

	proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if shouldIntercept(hosts, HostOnly(host)) {
			logger.Debug("intercepting", "host", host)
			return mitmAction, host
		}
		return goproxy.OkConnect, host
	}))

	upstreamRT := goproxy.RoundTripperFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
		return rt.RoundTrip(req)
	})
	proxy.OnRequest().DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		ctx.RoundTripper = upstreamRT
		return req, nil
	})

	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp == nil {
			if ctx.Req == nil {
				return nil
			}
			logger.Warn("upstream request failed",
				"host", ctx.Req.URL.Host,
				"path", ctx.Req.URL.Path,
				"err", ctx.Error,
			)
			return upstreamErrorResponse(ctx.Req, ctx.Error)
		}
		return h.HandleResponse(resp, ctx.Req)
	})

	return proxy
}

// explicitConnectProxy returns the upstream proxy URL CONNECT tunnels should
// be dialed through, or "" when none is configured.
func explicitConnectProxy(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "DIRECT") {
		return ""
	}
	u, err := config.ParseProxyURL(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.String()
}

// upstreamErrorResponse maps a failed upstream round trip to a gateway error
// response for the client.
func upstreamErrorResponse(req *http.Request, err error) *http.Response {
	status, msg := classifyUpstreamError(err)
	return goproxy.NewResponse(req, goproxy.ContentTypeText, status, msg)
}

func classifyUpstreamError(err error) (int, string) {
	if err == nil {
		return http.StatusBadGateway, "upstream request failed"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return http.StatusBadGateway, "upstream connection failed"
	}

	return http.StatusBadGateway, "upstream request failed"
}
