package domain

import "time"

// AuditTimeLayout is the admin_log.json timestamp format.
const AuditTimeLayout = "2006-01-02 15:04:05"

// SystemActorID is recorded as admin_id for actions taken by the bot itself.
const SystemActorID int64 = 0

// Audit actions.
const (
	ActionAddUser           = "add_username"
	ActionAddUserFail       = "add_username_fail"
	ActionDeleteUser        = "delete_username"
	ActionDeleteUserFail    = "delete_username_fail"
	ActionRenewUser         = "renew_username"
	ActionRenewUserFail     = "renew_username_fail"
	ActionExpireUser        = "expire_username"
	ActionAddManager        = "add_manager"
	ActionAddManagerFail    = "add_manager_fail"
	ActionRemoveManager     = "remove_manager"
	ActionRemoveManagerFail = "remove_manager_fail"
	ActionBackup            = "backup"
	ActionBackupFail        = "backup_fail"
)

// AuditEntry is one administrative action. TargetUsername is null for actions
// without a user target.
type AuditEntry struct {
	ID             string  `bson:"_id" json:"id,omitempty"`
	Timestamp      string  `bson:"timestamp" json:"timestamp"`
	AdminID        int64   `bson:"admin_id" json:"admin_id"`
	Action         string  `bson:"action" json:"action"`
	TargetUsername *string `bson:"target_username" json:"target_username"`
	Details        string  `bson:"details" json:"details"`
}

// FormatAuditTime renders t in the audit log layout using local time.
func FormatAuditTime(t time.Time) string {
	return t.Local().Format(AuditTimeLayout)
}

// Target returns the target username or an empty string.
func (e AuditEntry) Target() string {
	if e.TargetUsername == nil {
		return ""
	}
	return *e.TargetUsername
}
