package domain

import "time"

// TrackedUser links a zivpn username to the manager who created it and the
// end of its access window. A zero ExpiresAt never expires; entries written
// before expiry tracking existed look like that.
type TrackedUser struct {
	Username  string    `json:"username"`
	CreatorID int64     `json:"creator_id"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the access window has closed at now.
func (u TrackedUser) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// ExpiresWithin reports whether the user is still active but expires within d.
func (u TrackedUser) ExpiresWithin(now time.Time, d time.Duration) bool {
	if u.ExpiresAt.IsZero() || u.Expired(now) {
		return false
	}
	return u.ExpiresAt.Sub(now) <= d
}
