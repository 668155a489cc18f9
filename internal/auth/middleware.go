package auth

import (
	"context"
	"io"
	"net/http"
	"strings"
)

// workspaceIDKey is the context key for the authenticated workspace.
type workspaceIDKey struct{}

// GetWorkspaceID returns the authenticated workspace ID from context.
// Returns empty string if not present.
func GetWorkspaceID(ctx context.Context) string {
	if id, ok := ctx.Value(workspaceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireAuth is a middleware that validates the Bearer token on analyst
// endpoints and stores the token's workspace ID in the request context.
// The tracking endpoint stays public and never passes through this.
func RequireAuth(svc *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeAuthError(w, "Authentication required")
				return
			}

			claims, err := svc.ValidateToken(token)
			if err != nil {
				writeAuthError(w, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), workspaceIDKey{}, claims.WorkspaceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = io.WriteString(w, `{"error":{"code":"auth_failed","message":"`+message+`"}}`)
}
