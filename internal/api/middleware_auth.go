// ABOUTME: RequireServiceToken middleware for HS256 bearer tokens on /api/v1.
// ABOUTME: Injects the verified claims into the request context.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/import-ai/magic-box-wizard/internal/auth"
)

// RequireServiceToken rejects requests without a valid
// "Authorization: Bearer <jwt>" header.
func (srv *Server) RequireServiceToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="wizard"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := auth.ParseServiceToken(strings.TrimPrefix(authHeader, "Bearer "), srv.jwtSecret)
			if err != nil {
				slog.DebugContext(r.Context(), "rejected service token", "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="wizard", error="invalid_token"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
