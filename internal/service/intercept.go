// Package service applies the registered response hooks to intercepted flows.
package service

import (
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sync"

	"oidc-redirect-proxy/internal/metrics"
	"oidc-redirect-proxy/internal/model"
)

// ResponseHook inspects an intercepted flow before its response is returned
// to the client and may rewrite the response in place.
type ResponseHook interface {
	Name() string
	Response(f *model.Flow) (model.Outcome, error)
}

// secretParamPattern matches state, _state, code and code_challenge values,
// which should not end up in logs.
var secretParamPattern = regexp.MustCompile(`(?i)((?:^|[?&])(?:_?state|code_challenge|code)=)[^&#\s"]*`)

// InterceptService runs response hooks, in registration order, for every
// flow the proxy engine hands it.
type InterceptService struct {
	mu      sync.RWMutex
	hooks   []ResponseHook
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewInterceptService creates an InterceptService with the given hooks.
// The metrics parameter is optional; pass nil to disable flow metrics.
func NewInterceptService(hooks []ResponseHook, logger *slog.Logger, m *metrics.Metrics) *InterceptService {
	s := &InterceptService{
		logger:  logger.With("component", "intercept_service"),
		metrics: m,
	}
	for _, h := range hooks {
		s.Register(h)
	}
	return s
}

// Register appends a hook. Hooks registered later run after earlier ones.
func (s *InterceptService) Register(h ResponseHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// HookNames returns the names of the registered hooks in run order.
func (s *InterceptService) HookNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.hooks))
	for _, h := range s.hooks {
		names = append(names, h.Name())
	}
	return names
}

// HandleResponse runs every hook on the flow formed by resp and req and
// returns the (possibly rewritten) response. A nil response means the
// upstream round trip failed; it is returned as is for the proxy engine to
// report. A failing hook leaves the response as it found it.
func (s *InterceptService) HandleResponse(resp *http.Response, req *http.Request) *http.Response {
	if resp == nil || req == nil {
		return resp
	}

	s.mu.RLock()
	hooks := make([]ResponseHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.RUnlock()

	f := &model.Flow{Request: req, Response: resp}
	for _, h := range hooks {
		outcome, err := h.Response(f)
		if err != nil {
			s.record(h.Name(), model.OutcomeError)
			s.logger.Warn("response hook failed",
				"hook", h.Name(),
				"err", redact(err.Error()),
				"host", req.URL.Host,
				"path", req.URL.Path,
			)
			continue
		}
		s.record(h.Name(), outcome)

		if outcome == model.OutcomeRewritten {
			s.logger.Info("response rewritten",
				"hook", h.Name(),
				"host", req.URL.Host,
				"path", req.URL.Path,
				"status", f.Response.StatusCode,
				"location_host", locationHost(f.Response),
			)
			continue
		}
		s.logger.Debug("response passed through",
			"hook", h.Name(),
			"outcome", string(outcome),
			"path", req.URL.Path,
		)
	}

	return f.Response
}

func (s *InterceptService) record(hook string, outcome model.Outcome) {
	if s.metrics == nil {
		return
	}
	s.metrics.FlowsTotal.WithLabelValues(hook, string(outcome)).Inc()
}

// locationHost returns the host of the response's Location header, if any.
func locationHost(resp *http.Response) string {
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return ""
	}
	return u.Host
}

// redact masks state, _state, code and code_challenge values in s.
// client_id is public and left as is.
func redact(s string) string {
	return secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
}
