// ABOUTME: Tests for service token issuance and parsing.
// ABOUTME: Covers algorithm pinning, expiry enforcement, issuer and namespace scoping.
package auth_test

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/auth"
)

var secret = []byte("test-secret-32-bytes-minimum-aaaa")

func TestServiceTokenRoundTrip(t *testing.T) {
	t.Parallel()
	tok, err := auth.IssueServiceToken(secret, "backend", []string{"ns-1"}, time.Hour)
	require.NoError(t, err)

	claims, err := auth.ParseServiceToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "backend", claims.Subject)
	assert.Equal(t, auth.Issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.Allows("ns-1"))
	assert.False(t, claims.Allows("ns-2"))
}

func TestServiceTokenUnscopedAllowsAny(t *testing.T) {
	t.Parallel()
	tok, err := auth.IssueServiceToken(secret, "ops", nil, time.Hour)
	require.NoError(t, err)
	claims, err := auth.ParseServiceToken(tok, secret)
	require.NoError(t, err)
	assert.True(t, claims.Allows("anything"))
}

func TestServiceTokenRejectsExpired(t *testing.T) {
	t.Parallel()
	tok, err := auth.IssueServiceToken(secret, "backend", nil, -time.Second)
	require.NoError(t, err)
	_, err = auth.ParseServiceToken(tok, secret)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestServiceTokenRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	tok, err := auth.IssueServiceToken(secret, "backend", nil, time.Hour)
	require.NoError(t, err)
	_, err = auth.ParseServiceToken(tok, []byte("another-secret-another-secret-xx"))
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestServiceTokenRejectsWrongAlgorithm(t *testing.T) {
	t.Parallel()
	tok, err := auth.IssueServiceToken(secret, "backend", nil, time.Hour)
	require.NoError(t, err)

	parts := strings.SplitN(tok, ".", 3)
	fakeHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	_, err = auth.ParseServiceToken(fakeHeader+"."+parts[1]+"."+parts[2], secret)
	assert.Error(t, err)
}

func TestServiceTokenRequiresExpiry(t *testing.T) {
	t.Parallel()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: auth.Issuer}).SignedString(secret)
	require.NoError(t, err)
	_, err = auth.ParseServiceToken(tok, secret)
	assert.Error(t, err)
}

func TestServiceTokenRequiresIssuer(t *testing.T) {
	t.Parallel()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = auth.ParseServiceToken(tok, secret)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestEmptySecret(t *testing.T) {
	t.Parallel()
	_, err := auth.IssueServiceToken(nil, "x", nil, time.Hour)
	assert.ErrorIs(t, err, auth.ErrEmptySecret)
	_, err = auth.ParseServiceToken("a.b.c", nil)
	assert.ErrorIs(t, err, auth.ErrEmptySecret)
}
