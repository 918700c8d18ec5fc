// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// Flow is one intercepted request/response exchange. Both sides are owned by
// the proxy engine; hooks read the request and may mutate the response.
type Flow struct {
	Request  *http.Request
	Response *http.Response
}

// Outcome describes what a response hook did with a flow.
type Outcome string

// Hook outcomes, used as metric label values.
const (
	OutcomeUnmatched     Outcome = "unmatched"
	OutcomeBypassed      Outcome = "bypassed"
	OutcomeNoRedirectURI Outcome = "no_redirect_uri"
	OutcomeRewritten     Outcome = "rewritten"
	OutcomeError         Outcome = "error"
)
