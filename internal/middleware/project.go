package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// ProjectContextKey is a strict type for context keys to prevent collisions.
type ProjectContextKey string

const (
	// ProjectKey is the context key for the project id.
	ProjectKey ProjectContextKey = "project_id"
	// ProjectHeader is the HTTP header expected to carry the project id.
	ProjectHeader = "X-Project-ID"
)

// ProjectMiddleware extracts the project id from the request header and
// injects it into the context; it is generalized from the teacher's
// single-tenant header into swarmctl's multi-project isolation boundary
// (see SPEC_FULL.md §10).
func ProjectMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		projectID := r.Header.Get(ProjectHeader)
		if projectID == "" {
			http.Error(w, fmt.Sprintf("Missing required header: %s", ProjectHeader), http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), ProjectKey, projectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetProjectFromContext safely retrieves the project id from the context.
func GetProjectFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(ProjectKey)
	if val == nil {
		return "", fmt.Errorf("project_id not found in context")
	}
	projectID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("project_id in context is not a string")
	}
	return projectID, nil
}
