// Package domain defines shared domain constants and types.
package domain

const (
	// RoleOwner is the principal admin configured through the environment.
	RoleOwner = "owner"
	// RoleManager may manage only the VPN users they created.
	RoleManager = "manager"
	// RoleNone marks a Telegram user with no management rights.
	RoleNone = ""
)

// Role priorities; higher values carry more authority.
const (
	RolePriorityNone    = 0
	RolePriorityManager = 1
	RolePriorityOwner   = 2
)

// RolePriority maps a role to its priority. Unknown roles have none.
func RolePriority(role string) int {
	switch role {
	case RoleOwner:
		return RolePriorityOwner
	case RoleManager:
		return RolePriorityManager
	default:
		return RolePriorityNone
	}
}

// CanManageUsers reports whether role may add, delete and renew VPN users.
func CanManageUsers(role string) bool {
	return RolePriority(role) >= RolePriorityManager
}

// ResolveRole returns the role of telegramID. ownerID always resolves to the
// owner; a principal record for any other ID counts as a regular manager.
func ResolveRole(managers []Manager, ownerID, telegramID int64) string {
	if telegramID == 0 {
		return RoleNone
	}
	if telegramID == ownerID {
		return RoleOwner
	}

	for _, m := range managers {
		if m.TelegramID == telegramID {
			return RoleManager
		}
	}

	return RoleNone
}
