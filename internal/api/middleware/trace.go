// Package middleware provides HTTP middleware for the monitoring API.
package middleware

import (
	"net/http"

	"github.com/aurora-assess/agentcore/internal/api/shared"
)

// TraceID attaches a generated trace ID to every request's context so logs
// and error responses can be correlated.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
