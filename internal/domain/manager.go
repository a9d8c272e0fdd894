package domain

import "time"

// Manager is a Telegram user allowed to manage VPN users. Exactly one record,
// the admin from ADMIN_TELEGRAM_ID, carries Principal.
type Manager struct {
	TelegramID int64     `json:"telegram_id"`
	Principal  bool      `json:"principal"`
	AddedBy    int64     `json:"added_by,omitempty"`
	AddedAt    time.Time `json:"added_at,omitzero"`
}

// Role returns the role granted by the record.
func (m Manager) Role() string {
	if m.Principal {
		return RoleOwner
	}
	return RoleManager
}
