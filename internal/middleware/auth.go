package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/itskum47/swarmctl/internal/auth"
)

const (
	RoleContextKey   ProjectContextKey = "role"
	ClaimsContextKey ProjectContextKey = "claims"
)

// AuthMiddleware enforces bearer-token authentication on requests, failing
// fast on a missing or malformed header.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ProjectKey, claims.ProjectID)
		ctx = context.WithValue(ctx, RoleContextKey, claims.Role)
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole wraps next, rejecting any request whose token role does not
// match one of allowed. Used to keep /status and /cleanup operator-only.
func RequireRole(next http.Handler, allowed ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, err := GetRoleFromContext(r.Context())
		if err != nil {
			http.Error(w, "Forbidden: no role in context", http.StatusForbidden)
			return
		}
		for _, a := range allowed {
			if role == a {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, fmt.Sprintf("Forbidden: role %q not permitted", role), http.StatusForbidden)
	})
}

// GetRoleFromContext retrieves the role from the context.
func GetRoleFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(RoleContextKey)
	if val == nil {
		return "", fmt.Errorf("role not found in context")
	}
	role, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("role in context is not a string")
	}
	return role, nil
}
