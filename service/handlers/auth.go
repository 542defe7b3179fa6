package handlers

import (
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"github.com/pitabwire/frame"
)

// RequireRole admits requests whose authentication claims carry role. It
// runs behind frame's authentication middleware, which puts the claims on
// the request context.
func RequireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := frame.ClaimsFromContext(r.Context())
			if claims == nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "unauthenticated", Message: "operator credentials are required"})
				return
			}
			if !slices.Contains(claims.GetRoles(), role) {
				writeJSON(w, http.StatusForbidden, ErrorResponse{Code: "forbidden", Message: "operator role " + role + " is required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
