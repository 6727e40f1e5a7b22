// ABOUTME: HS256 service tokens for callers of the task API.
// ABOUTME: Parsing pins the algorithm and requires exp; never call jwt.Parse directly.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim on every token this package signs.
const Issuer = "magic-box-wizard"

// ErrEmptySecret is returned when a token operation is attempted without a key.
var ErrEmptySecret = errors.New("empty signing secret")

// ServiceClaims identifies the service calling the task API.
type ServiceClaims struct {
	jwt.RegisteredClaims
	// Namespaces restricts the caller to these namespace ids. Empty means any.
	Namespaces []string `json:"ns,omitempty"`
}

// Allows reports whether the token may act on namespaceID.
func (c *ServiceClaims) Allows(namespaceID string) bool {
	if len(c.Namespaces) == 0 {
		return true
	}
	for _, ns := range c.Namespaces {
		if ns == namespaceID {
			return true
		}
	}
	return false
}

// IssueServiceToken signs a token for subject valid for ttl.
func IssueServiceToken(secret []byte, subject string, namespaces []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Namespaces: namespaces,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// ParseServiceToken validates tokenStr and returns its claims. Tokens that are
// expired, lack exp, use another algorithm, or carry another issuer are rejected.
func ParseServiceToken(tokenStr string, secret []byte) (*ServiceClaims, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse service token: %w", err)
	}
	return claims, nil
}
