package api

import (
	"context"
	"net/http"
)

// identityHeader carries the caller identity attached by the fronting
// verifier. The server trusts it the way the original deployment trusted its
// JWT middleware: verification happens upstream, this layer only reads the
// result.
const identityHeader = "X-Auth-Email"

type ctxKey int

const identityKey ctxKey = iota

// withIdentity attaches the caller identity to the request context when the
// header is present. Read endpoints use it for the "mine" filter.
func withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if email := r.Header.Get(identityHeader); email != "" {
			r = r.WithContext(context.WithValue(r.Context(), identityKey, email))
		}
		next.ServeHTTP(w, r)
	})
}

// requireIdentity gates mutating endpoints: no verified identity, no access.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity(r.Context()) == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identity(ctx context.Context) string {
	s, _ := ctx.Value(identityKey).(string)
	return s
}
