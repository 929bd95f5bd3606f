package httpapi

import (
	"context"
	"net/http"
	"strings"

	"qms/branch-queue/internal/models"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type identityContextKey struct{}

// IdentityFromRequest reads the identity asserted by the gateway. Query
// parameters are only consulted when trustQuery is set, for browser
// WebSocket upgrades that cannot carry headers.
func IdentityFromRequest(r *http.Request, trustQuery bool) (models.Identity, bool) {
	if r == nil {
		return models.Identity{}, false
	}
	identity := models.Identity{
		UserID: strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:   strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole))),
	}
	if identity.Role == "" && trustQuery {
		query := r.URL.Query()
		identity.UserID = strings.TrimSpace(query.Get("user_id"))
		identity.Role = strings.ToLower(strings.TrimSpace(query.Get("role")))
	}
	if _, ok := identity.Room(); !ok {
		return models.Identity{}, false
	}
	return identity, true
}

func (h *Handler) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromRequest(r, h.trustQueryIdentity)
		if !ok {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing or invalid identity")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(models.Identity)
	return identity, ok
}

// requireRole writes 403 and returns false unless the caller holds one of roles.
func requireRole(w http.ResponseWriter, r *http.Request, roles ...string) (models.Identity, bool) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing identity")
		return models.Identity{}, false
	}
	for _, role := range roles {
		if identity.Role == role {
			return identity, true
		}
	}
	writeError(w, requestIDFromRequest(r), http.StatusForbidden, "forbidden", "role "+identity.Role+" may not perform this action")
	return models.Identity{}, false
}
