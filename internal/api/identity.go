package api

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the caller's identity, set by the authenticating
// gateway in front of this service.
const UserHeader = "X-User-ID"

type ctxKey struct{}

// Identity copies the gateway-supplied user id into the request context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := strings.TrimSpace(r.Header.Get(UserHeader)); uid != "" {
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid))
		}
		next.ServeHTTP(w, r)
	})
}

// UserID returns the authenticated user id, or "".
func UserID(ctx context.Context) string {
	uid, _ := ctx.Value(ctxKey{}).(string)
	return uid
}

// requireUser rejects requests without an authenticated user.
func requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if UserID(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader+" header")
			return
		}
		next(w, r)
	}
}
