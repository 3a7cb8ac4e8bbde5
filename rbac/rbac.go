/*
Package rbac implements the authorization gate.

PURPOSE:
  A pure (role, permission) -> allow/deny lookup consulted before any
  user-initiated mutation reaches the engines. No I/O, no context - the
  caller already holds a resolved (userID, role) pair from the external
  identity provider.

RULES:
  - admin implicitly holds every permission.
  - The scheduled engines run as a system principal and never consult
    this gate; they originate from the dispatcher, not a user request.
  - Denials surface one error kind regardless of cause, so a caller
    cannot distinguish "unknown role" from "known role, missing grant".
*/
package rbac

import (
	"github.com/caddycharles/caddy-ndis/ledger"
)

type Role string

const (
	RoleAdmin         Role = "admin"
	RoleCoordinator   Role = "coordinator"
	RoleSupportWorker Role = "support_worker"
	RoleFinance       Role = "finance"
	RoleViewer        Role = "viewer"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleCoordinator, RoleSupportWorker, RoleFinance, RoleViewer}

type Permission string

// permissions maps each permission to the roles allowed to use it.
// admin is omitted from the lists; it is granted everything implicitly.
var permissions = map[Permission][]Role{
	// Participants
	"participant:create":        {RoleCoordinator},
	"participant:read":          {RoleCoordinator, RoleSupportWorker, RoleFinance, RoleViewer},
	"participant:update":        {RoleCoordinator},
	"participant:delete":        {},
	"participant:read:assigned": {RoleSupportWorker},

	// Service delivery
	"service:create":     {RoleCoordinator, RoleSupportWorker},
	"service:read":       {RoleCoordinator, RoleSupportWorker, RoleFinance, RoleViewer},
	"service:update":     {RoleCoordinator},
	"service:delete":     {},
	"service:create:own": {RoleSupportWorker},
	"service:read:own":   {RoleSupportWorker},

	// Budgets
	"budget:create": {RoleCoordinator},
	"budget:read":   {RoleCoordinator, RoleFinance, RoleViewer},
	"budget:update": {RoleCoordinator},
	"budget:delete": {},

	// Claims
	"claim:create": {RoleCoordinator, RoleFinance},
	"claim:read":   {RoleCoordinator, RoleFinance},
	"claim:update": {RoleFinance},
	"claim:delete": {},

	// Staff leave
	"leave:read":    {RoleCoordinator, RoleFinance, RoleViewer},
	"leave:approve": {RoleCoordinator},
	"leave:adjust":  {RoleFinance},

	// Compliance documents
	"document:read":   {RoleCoordinator, RoleSupportWorker, RoleFinance, RoleViewer},
	"document:update": {RoleCoordinator},

	// Announcements
	"announcement:create": {RoleCoordinator},
	"announcement:read":   {RoleCoordinator, RoleSupportWorker, RoleFinance, RoleViewer},

	// Incidents
	"incident:create": {RoleCoordinator, RoleSupportWorker},
	"incident:read":   {RoleCoordinator, RoleViewer},
	"incident:update": {RoleCoordinator},

	// Messaging
	"message:create": {RoleCoordinator, RoleSupportWorker},
	"message:read":   {RoleCoordinator, RoleSupportWorker},

	// Audit trail & automation
	"audit:read": {RoleCoordinator, RoleFinance, RoleViewer},
	"job:read":   {RoleCoordinator, RoleFinance},
	"job:run":    {},

	// Administration
	"admin:*": {},
}

// HasPermission reports whether a role holds a permission.
func HasPermission(role Role, permission Permission) bool {
	if role == RoleAdmin {
		return true
	}
	allowed, ok := permissions[permission]
	if !ok {
		return false
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// RequirePermission returns a PermissionDeniedError naming the missing
// permission when the role is not allowed. An empty role (unauthenticated
// caller) fails the same way an under-privileged one does.
func RequirePermission(role Role, permission Permission) error {
	if !HasPermission(role, permission) {
		return &ledger.PermissionDeniedError{Permission: string(permission)}
	}
	return nil
}

// PermissionsForRole returns every permission granted to a role.
func PermissionsForRole(role Role) []Permission {
	var out []Permission
	for p := range permissions {
		if HasPermission(role, p) {
			out = append(out, p)
		}
	}
	return out
}

// AllPermissions returns the full permission list.
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(permissions))
	for p := range permissions {
		out = append(out, p)
	}
	return out
}

// KnownRole reports whether the string names a defined role.
func KnownRole(role Role) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}
