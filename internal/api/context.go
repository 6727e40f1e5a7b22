// ABOUTME: Request context key types for the api package.
// ABOUTME: The auth middleware stores verified claims; handlers read them for namespace scoping.
package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/import-ai/magic-box-wizard/internal/auth"
)

type contextKey int

const (
	ctxClaims contextKey = iota // *auth.ServiceClaims, absent when auth is disabled
)

func claimsFrom(ctx context.Context) *auth.ServiceClaims {
	c, _ := ctx.Value(ctxClaims).(*auth.ServiceClaims)
	return c
}

// checkNamespace returns a 403 when the caller's token is scoped to other
// namespaces. Requests without claims are unrestricted.
func checkNamespace(ctx context.Context, namespaceID string) error {
	c := claimsFrom(ctx)
	if c == nil || c.Allows(namespaceID) {
		return nil
	}
	return huma.Error403Forbidden("token is not valid for namespace " + namespaceID)
}
