package auth

import "fmt"

// Permission represents a named capability in the admin API.
type Permission string

// Permission constants.
const (
	PermBrokerRead   Permission = "broker:read"
	PermSyncRead     Permission = "sync:read"
	PermSyncTrigger  Permission = "sync:trigger"
	PermHistoryRead  Permission = "history:read"
	PermHistoryWrite Permission = "history:write"
	PermEventsStream Permission = "events:stream"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermBrokerRead,
		PermSyncRead,
		PermHistoryRead,
	},
	RoleOperator: {
		PermBrokerRead,
		PermSyncRead,
		PermSyncTrigger,
		PermHistoryRead,
		PermHistoryWrite,
	},
	RoleAdmin: {
		PermBrokerRead,
		PermSyncRead,
		PermSyncTrigger,
		PermHistoryRead,
		PermHistoryWrite,
		PermEventsStream,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Authorize returns an error wrapping ErrForbidden when role lacks perm.
func Authorize(role Role, perm Permission) error {
	if !HasPermission(role, perm) {
		return fmt.Errorf("%w: role %q lacks %s", ErrForbidden, role, perm)
	}
	return nil
}

// PermissionsForRole returns a copy of the permissions granted to role, or
// nil for an unknown role.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
