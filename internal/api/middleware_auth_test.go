// ABOUTME: Tests for RequireServiceToken.
// ABOUTME: Uses package api to read the claims the middleware stores in the context.
package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/auth"
	"github.com/import-ai/magic-box-wizard/internal/config"
)

func newAuthTestServer(t *testing.T, secret string) *Server {
	t.Helper()
	srv := NewServer(nil, &config.Config{APIJWTSecret: secret})
	t.Cleanup(srv.Close)
	return srv
}

func TestRequireServiceToken(t *testing.T) {
	t.Parallel()
	secret := "testsecret-testsecret-testsecret"
	srv := newAuthTestServer(t, secret)

	var seen *auth.ServiceClaims
	handler := srv.RequireServiceToken()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = claimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	valid, err := auth.IssueServiceToken([]byte(secret), "backend", []string{"ns"}, time.Minute)
	require.NoError(t, err)
	expired, err := auth.IssueServiceToken([]byte(secret), "backend", nil, -time.Minute)
	require.NoError(t, err)
	foreign, err := auth.IssueServiceToken([]byte("other-secret-other-secret-other!!"), "backend", nil, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "backend", seen.Subject)
				assert.Equal(t, []string{"ns"}, seen.Namespaces)
			} else {
				assert.Nil(t, seen)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}
