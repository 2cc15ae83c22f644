package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermBrokerRead, true},
		{RoleViewer, PermSyncRead, true},
		{RoleViewer, PermHistoryRead, true},
		{RoleViewer, PermSyncTrigger, false},
		{RoleViewer, PermHistoryWrite, false},
		{RoleViewer, PermEventsStream, false},
		{RoleOperator, PermSyncTrigger, true},
		{RoleOperator, PermHistoryWrite, true},
		{RoleOperator, PermEventsStream, false},
		{RoleAdmin, PermEventsStream, true},
		{RoleAdmin, PermSyncTrigger, true},
		{Role("unknown"), PermBrokerRead, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestRolesAreCumulative(t *testing.T) {
	for i := 1; i < len(ValidRoles); i++ {
		lower, higher := ValidRoles[i-1], ValidRoles[i]
		for _, perm := range PermissionsForRole(lower) {
			if !HasPermission(higher, perm) {
				t.Errorf("%s has %s but %s does not", lower, perm, higher)
			}
		}
	}
}

func TestPermissionsForRole(t *testing.T) {
	if PermissionsForRole("nobody") != nil {
		t.Error("unknown role should have nil permissions")
	}

	perms := PermissionsForRole(RoleViewer)
	perms[0] = PermEventsStream
	if HasPermission(RoleViewer, PermEventsStream) {
		t.Error("mutating the returned slice changed the role table")
	}
}

func TestIsValidRoleAndUsername(t *testing.T) {
	for _, r := range ValidRoles {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false", r)
		}
	}
	if IsValidRole("owner") {
		t.Error("IsValidRole(owner) = true")
	}

	valid := []string{"admin", "ops.team", "a_b-c", "x"}
	invalid := []string{"", "has space", "semi;colon", string(make([]byte, 65))}
	for _, u := range valid {
		if !IsValidUsername(u) {
			t.Errorf("IsValidUsername(%q) = false", u)
		}
	}
	for _, u := range invalid {
		if IsValidUsername(u) {
			t.Errorf("IsValidUsername(%q) = true", u)
		}
	}
}

func TestAuthorize(t *testing.T) {
	if err := Authorize(RoleOperator, PermSyncTrigger); err != nil {
		t.Errorf("Authorize(operator, sync:trigger) error = %v", err)
	}

	err := Authorize(RoleViewer, PermHistoryWrite)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("Authorize(viewer, history:write) error = %v, want ErrForbidden", err)
	}
	if !strings.Contains(err.Error(), string(PermHistoryWrite)) {
		t.Errorf("error %q does not name the permission", err)
	}
}
