package middleware

import (
	"net/http"
	"strings"

	"assistant-orchestrator/shared/authx"
	"assistant-orchestrator/shared/httpx"
)

// AuthMiddleware requires a valid bearer token. When Role is set the token must carry it.
type AuthMiddleware struct {
	Verifier authx.Verifier
	Role     string
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		if m.Role != "" && !auth.HasRole(m.Role) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing role "+m.Role, nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		ctx = httpx.WithSubject(ctx, auth.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
