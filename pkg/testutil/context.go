package testutil

import (
	"net/http"
	"time"

	"consentflow/pkg/requestcontext"
)

// WithSubject marks the request as authenticated for subject with scopes,
// as the bearer auth middleware would.
func WithSubject(req *http.Request, subject string, scopes ...string) *http.Request {
	ctx := requestcontext.WithSubject(req.Context(), subject)
	ctx = requestcontext.WithScopes(ctx, scopes)
	return req.WithContext(ctx)
}

// WithTime pins the request-scoped clock.
func WithTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
