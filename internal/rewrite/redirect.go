// Package rewrite implements the response hooks applied to intercepted flows.
package rewrite

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"oidc-redirect-proxy/internal/model"
)

// AuthPathPrefix is the literal request path prefix the redirect rewrite applies to.
const AuthPathPrefix = "/.oidc/auth"

// Query keys read from the intercepted authorization request.
const (
	paramBypass              = "bypass"
	paramRedirectURI         = "redirect_uri"
	paramState               = "state"
	paramCodeChallenge       = "code_challenge"
	paramCodeChallengeMethod = "code_challenge_method"
	paramClientID            = "client_id"
)

// injectedState is the key the request's state is written under on the
// redirect target, so it does not collide with the target's own state.
const injectedState = "_state"

// ErrInvalidRedirectURI is returned when redirect_uri cannot be parsed.
var ErrInvalidRedirectURI = errors.New("invalid redirect_uri")

// AuthParams are the authorization request parameters carried over to the
// redirect target. Absent and empty parameters are both the empty string.
type AuthParams struct {
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientID            string
}

// AuthParamsFromQuery extracts AuthParams from a request query.
func AuthParamsFromQuery(q url.Values) AuthParams {
	return AuthParams{
		State:               lastValue(q, paramState),
		CodeChallenge:       lastValue(q, paramCodeChallenge),
		CodeChallengeMethod: lastValue(q, paramCodeChallengeMethod),
		ClientID:            lastValue(q, paramClientID),
	}
}

// RedirectRewriter replaces the response to an /.oidc/auth request with a
// 302 to the request's redirect_uri, carrying the PKCE and state parameters.
// It holds no state and is safe for concurrent use.
type RedirectRewriter struct{}

// NewRedirectRewriter creates a RedirectRewriter.
func NewRedirectRewriter() *RedirectRewriter {
	return &RedirectRewriter{}
}

// Name identifies the hook in logs and metrics.
func (r *RedirectRewriter) Name() string {
	return "oidc_redirect"
}

// Response inspects the flow's request and, when it is a non-bypassed
// authorization request with a redirect_uri, turns the response into a
// redirect. Any other flow is left untouched.
//
// A redirect_uri that cannot be parsed yields an error wrapping
// ErrInvalidRedirectURI; the flow is not modified in that case.
func (r *RedirectRewriter) Response(f *model.Flow) (model.Outcome, error) {
	if f == nil || f.Request == nil || f.Request.URL == nil || f.Response == nil {
		return model.OutcomeUnmatched, nil
	}

	// Match on the path as sent, not its decoded form.
	if !strings.HasPrefix(f.Request.URL.EscapedPath(), AuthPathPrefix) {
		return model.OutcomeUnmatched, nil
	}

	query := f.Request.URL.Query()
	if lastValue(query, paramBypass) == "true" {
		return model.OutcomeBypassed, nil
	}

	redirectURI := lastValue(query, paramRedirectURI)
	if redirectURI == "" {
		return model.OutcomeNoRedirectURI, nil
	}

	location, err := InjectParams(redirectURI, AuthParamsFromQuery(query))
	if err != nil {
		return model.OutcomeError, err
	}

	writeRedirect(f.Response, location)
	return model.OutcomeRewritten, nil
}

// InjectParams returns redirectURI with _state, code_challenge,
// code_challenge_method and client_id set in its query. Existing query
// parameters are kept; the four injected keys replace any previous values.
// Scheme, host, path and fragment are preserved as given. Only a URI that
// url.Parse rejects is an error; an odd query is decoded leniently.
func InjectParams(redirectURI string, p AuthParams) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRedirectURI, err)
	}

	q := parseQueryLenient(u.RawQuery)

	q.Set(injectedState, p.State)
	q.Set(paramCodeChallenge, p.CodeChallenge)
	q.Set(paramCodeChallengeMethod, p.CodeChallengeMethod)
	q.Set(paramClientID, p.ClientID)

	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

// writeRedirect replaces resp with an empty-bodied 302 to location.
func writeRedirect(resp *http.Response, location string) {
	if resp.Body != nil {
		_ = resp.Body.Close()
	}

	resp.StatusCode = http.StatusFound
	resp.Status = fmt.Sprintf("%d %s", http.StatusFound, http.StatusText(http.StatusFound))

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("Location", location)
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", "0")

	resp.Body = http.NoBody
	resp.ContentLength = 0
	resp.TransferEncoding = nil
	resp.Uncompressed = false
}

// parseQueryLenient splits raw on '&' only and decodes each key and value.
// Unlike url.ParseQuery it never fails: ';' is ordinary data, a field
// without '=' has an empty value and invalid escapes are kept literally.
func parseQueryLenient(raw string) url.Values {
	q := make(url.Values)
	for raw != "" {
		var field string
		field, raw, _ = strings.Cut(raw, "&")
		if field == "" {
			continue
		}
		key, value, _ := strings.Cut(field, "=")
		key = unescapeLenient(key)
		q[key] = append(q[key], unescapeLenient(value))
	}
	return q
}

// unescapeLenient is url.QueryUnescape that leaves malformed %-sequences in
// place instead of rejecting the whole string.
func unescapeLenient(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				if dec, err := hex.DecodeString(s[i+1 : i+3]); err == nil {
					b.Write(dec)
					i += 2
					continue
				}
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// lastValue returns the last value for key, or "" when absent.
func lastValue(q url.Values, key string) string {
	vs := q[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[len(vs)-1]
}
