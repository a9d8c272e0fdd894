package domain

import "strings"

const (
	// MaxUsernameLength bounds the usernames written to auth.config.
	MaxUsernameLength = 32
	// ProtectedUsername can never be removed through the bot. No case variant
	// of it may be created either.
	ProtectedUsername = "root"
)

// ValidateUsername checks that name is safe to store in the zivpn password list.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrEmptyUsername
	}
	if len(name) > MaxUsernameLength {
		return ErrInvalidUsername
	}

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return ErrInvalidUsername
		}
	}

	return nil
}

// IsProtected reports whether name is the reserved root account, in any case.
func IsProtected(name string) bool {
	return strings.EqualFold(name, ProtectedUsername)
}
