package service

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"oidc-redirect-proxy/internal/metrics"
	"oidc-redirect-proxy/internal/model"
	"oidc-redirect-proxy/internal/rewrite"
)

// stubHook records the order it ran in and returns a fixed result.
type stubHook struct {
	name    string
	outcome model.Outcome
	err     error
	calls   *[]string
	mutate  func(*http.Response)
}

func (h *stubHook) Name() string { return h.name }

func (h *stubHook) Response(f *model.Flow) (model.Outcome, error) {
	if h.calls != nil {
		*h.calls = append(*h.calls, h.name)
	}
	if h.err != nil {
		return model.OutcomeError, h.err
	}
	if h.mutate != nil {
		h.mutate(f.Response)
	}
	return h.outcome, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flowCount returns the flows_total counter for hook and outcome.
func flowCount(t *testing.T, m *metrics.Metrics, hook, outcome string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "oidc_redirect_proxy_flows_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["hook"] == hook && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("ok")),
	}
}

func TestHandleResponse_RunsHooksInOrder(t *testing.T) {
	var calls []string
	s := NewInterceptService([]ResponseHook{
		&stubHook{name: "first", outcome: model.OutcomeUnmatched, calls: &calls},
	}, discardLogger(), nil)
	s.Register(&stubHook{name: "second", outcome: model.OutcomeUnmatched, calls: &calls})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", http.NoBody)
	s.HandleResponse(okResponse(), req)

	if strings.Join(calls, ",") != "first,second" {
		t.Errorf("calls = %v, want [first second]", calls)
	}
	if got := strings.Join(s.HookNames(), ","); got != "first,second" {
		t.Errorf("HookNames() = %q, want %q", got, "first,second")
	}
}

func TestHandleResponse_LaterHookSeesRewrite(t *testing.T) {
	var seen int
	s := NewInterceptService([]ResponseHook{
		&stubHook{name: "rewrite", outcome: model.OutcomeRewritten, mutate: func(r *http.Response) {
			r.StatusCode = http.StatusFound
		}},
		&stubHook{name: "observe", outcome: model.OutcomeUnmatched, mutate: func(r *http.Response) {
			seen = r.StatusCode
		}},
	}, discardLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", http.NoBody)
	resp := s.HandleResponse(okResponse(), req)

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if seen != http.StatusFound {
		t.Errorf("second hook saw status %d, want %d", seen, http.StatusFound)
	}
}

func TestHandleResponse_NilResponse(t *testing.T) {
	var calls []string
	s := NewInterceptService([]ResponseHook{
		&stubHook{name: "h", outcome: model.OutcomeUnmatched, calls: &calls},
	}, discardLogger(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", http.NoBody)
	if resp := s.HandleResponse(nil, req); resp != nil {
		t.Errorf("HandleResponse(nil) = %v, want nil", resp)
	}
	if len(calls) != 0 {
		t.Errorf("hooks ran %d times for nil response, want 0", len(calls))
	}
}

func TestHandleResponse_HookErrorCountedAndLogged(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := metrics.New()

	s := NewInterceptService([]ResponseHook{
		&stubHook{name: "broken", err: errors.New(`parse "https://app?state=S1&x=1": bad`)},
	}, logger, m)

	req := httptest.NewRequest(http.MethodGet, "http://idp.example.com/.oidc/auth", http.NoBody)
	resp := s.HandleResponse(okResponse(), req)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := flowCount(t, m, "broken", "error"); got != 1 {
		t.Errorf("flows_total{outcome=error} = %v, want 1", got)
	}
	out := buf.String()
	if !strings.Contains(out, "response hook failed") {
		t.Errorf("log output %q missing warning", out)
	}
	if strings.Contains(out, "S1") {
		t.Errorf("log output %q leaks state value", out)
	}
}

func TestHandleResponse_WithRedirectRewriter(t *testing.T) {
	m := metrics.New()
	s := NewInterceptService([]ResponseHook{rewrite.NewRedirectRewriter()}, discardLogger(), m)

	req := httptest.NewRequest(http.MethodGet,
		"http://idp.example.com/.oidc/auth?redirect_uri=https%3A%2F%2Fapp.example.com%2Fcb&state=S1", http.NoBody)
	resp := s.HandleResponse(okResponse(), req)

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://app.example.com/cb?") {
		t.Errorf("Location = %q, want redirect to app.example.com/cb", loc)
	}
	if got := flowCount(t, m, "oidc_redirect", "rewritten"); got != 1 {
		t.Errorf("flows_total{outcome=rewritten} = %v, want 1", got)
	}

	other := httptest.NewRequest(http.MethodGet, "http://idp.example.com/profile", http.NoBody)
	if resp := s.HandleResponse(okResponse(), other); resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := flowCount(t, m, "oidc_redirect", "unmatched"); got != 1 {
		t.Errorf("flows_total{outcome=unmatched} = %v, want 1", got)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "state in query",
			in:   `parse "https://app/cb?state=abc&x=1"`,
			want: `parse "https://app/cb?state=[REDACTED]&x=1"`,
		},
		{
			name: "injected state and challenge",
			in:   `https://app/cb?_state=abc&code_challenge=xyz&code_challenge_method=S256`,
			want: `https://app/cb?_state=[REDACTED]&code_challenge=[REDACTED]&code_challenge_method=S256`,
		},
		{
			name: "authorization code",
			in:   `https://app/cb?code=secret`,
			want: `https://app/cb?code=[REDACTED]`,
		},
		{
			name: "client_id stays visible",
			in:   `https://app/cb?client_id=https%3A%2F%2Fapp%2Fclientid&state=abc`,
			want: `https://app/cb?client_id=https%3A%2F%2Fapp%2Fclientid&state=[REDACTED]`,
		},
		{
			name: "nothing to redact",
			in:   "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact(tt.in); got != tt.want {
				t.Errorf("redact() = %q, want %q", got, tt.want)
			}
		})
	}
}
