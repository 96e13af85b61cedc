package authz

import (
	"testing"

	"creatorhub/pkg/domain"
)

func TestAllow(t *testing.T) {
	tests := []struct {
		name   string
		role   domain.UserRole
		action Action
		want   bool
	}{
		{name: "founder updates settings", role: domain.RoleFounder, action: ActionUpdateSettings, want: true},
		{name: "administrateur updates settings", role: domain.RoleAdministrateur, action: ActionUpdateSettings, want: true},
		{name: "moderateur cannot update settings", role: domain.RoleModerateur, action: ActionUpdateSettings, want: false},
		{name: "moderateur reads settings", role: domain.RoleModerateur, action: ActionReadSettings, want: true},
		{name: "creator cannot read settings", role: domain.RoleCreator, action: ActionReadSettings, want: false},
		{name: "member revokes own session", role: domain.RoleMember, action: ActionRevokeSession, want: true},
		{name: "unknown role denied", role: domain.UserRole("root"), action: ActionReadSettings, want: false},
		{name: "unknown action denied", role: domain.RoleFounder, action: Action("payments.refund"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allow(tc.role, tc.action); got != tc.want {
				t.Fatalf("Allow(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.want)
			}
		})
	}
}
