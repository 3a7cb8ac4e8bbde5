/*
identity.go - Caller identity and permission gating

PURPOSE:
  Authentication happens upstream (gateway/session layer); by the time a
  request reaches this service the caller's user id and role arrive as
  trusted headers. This file extracts them into the request context and
  provides the per-route permission gate backed by the rbac package.

HEADERS:
  X-User-ID:   caller's user id
  X-User-Role: caller's role (admin, coordinator, support_worker,
               finance, viewer)

RESPONSES:
  401 when the identity headers are missing or the role is unknown
  403 when the role lacks the route's permission

SEE ALSO:
  - rbac/rbac.go: the permission matrix
*/
package api

import (
	"context"
	"net/http"

	"github.com/caddycharles/caddy-ndis/rbac"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the resolved caller.
type Identity struct {
	UserID string
	Role   rbac.Role
}

// IdentityFromContext returns the caller identity set by Authenticate.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Authenticate extracts the caller identity from the trusted headers.
// Requests without a valid identity are rejected before any handler runs.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		role := rbac.Role(r.Header.Get("X-User-Role"))

		if userID == "" || !rbac.KnownRole(role) {
			writeError(w, http.StatusUnauthorized, "missing or invalid identity", nil)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, Identity{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission gates a route on one permission.
func requirePermission(permission rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid identity", nil)
				return
			}
			if err := rbac.RequirePermission(id.Role, permission); err != nil {
				writeError(w, http.StatusForbidden, "permission denied", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
