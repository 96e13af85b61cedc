// Package authz holds the role policy for privileged ledger operations.
package authz

import "creatorhub/pkg/domain"

// Action names a privileged operation.
type Action string

const (
	ActionReadSettings   Action = "settings.read"
	ActionUpdateSettings Action = "settings.update"
	ActionRevokeSession  Action = "session.revoke"
)

var policy = map[Action][]domain.UserRole{
	ActionReadSettings:   {domain.RoleFounder, domain.RoleAdministrateur, domain.RoleModerateur},
	ActionUpdateSettings: {domain.RoleFounder, domain.RoleAdministrateur},
	ActionRevokeSession: {
		domain.RoleFounder,
		domain.RoleAdministrateur,
		domain.RoleModerateur,
		domain.RoleCreator,
		domain.RoleMember,
	},
}

// Allow reports whether role may perform action. Unknown roles and actions are denied.
func Allow(role domain.UserRole, action Action) bool {
	for _, r := range policy[action] {
		if r == role {
			return true
		}
	}
	return false
}
