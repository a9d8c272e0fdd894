package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
)

const (
	defaultLogEntries = 10
	maxLogEntries     = 50
	statusPingTimeout = 2 * time.Second
)

var errServiceUnavailable = errors.New("service is not configured")

func (c *Client) handleStart(_ context.Context, req request) (string, error) {
	var greeting string
	switch req.role {
	case domain.RoleOwner:
		greeting = "👋 Welcome, principal admin!"
	case domain.RoleManager:
		greeting = "👋 Welcome, manager!"
	default:
		greeting = "👋 Hello! This bot manages access to the zivpn server.\nAsk the admin to add you as a manager using your ID below."
	}

	return fmt.Sprintf("%s\n\n🆔 Your Telegram ID: %s\n\n%s",
		greeting, code(strconv.FormatInt(req.userID, 10)), c.helpText(req.role)), nil
}

func (c *Client) handleHelp(_ context.Context, req request) (string, error) {
	return c.helpText(req.role), nil
}

func (c *Client) helpText(role string) string {
	var b strings.Builder
	b.WriteString("📖 <b>Commands</b>")
	for _, cmd := range c.commands {
		if domain.RolePriority(role) < domain.RolePriority(cmd.role) {
			continue
		}
		fmt.Fprintf(&b, "\n%s - %s", escape(cmd.syntax()), escape(cmd.description))
	}
	return b.String()
}

func (c *Client) handleAdd(ctx context.Context, req request) (string, error) {
	if c.users == nil {
		return "", errServiceUnavailable
	}

	added, err := c.users.Add(ctx, req.userID, req.args[0])
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("✅ User %s added.\n⏳ Expires %s.", code(added.Username), formatTime(added.ExpiresAt)), nil
}

func (c *Client) handleDelete(ctx context.Context, req request) (string, error) {
	if c.users == nil {
		return "", errServiceUnavailable
	}

	removed, err := c.users.Delete(ctx, req.userID, req.args[0])
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("🗑️ User %s deleted.", code(removed.Username)), nil
}

func (c *Client) handleRenew(ctx context.Context, req request) (string, error) {
	if c.users == nil {
		return "", errServiceUnavailable
	}

	renewed, err := c.users.Renew(ctx, req.userID, req.args[0])
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("🔄 User %s renewed until %s.", code(renewed.Username), formatTime(renewed.ExpiresAt)), nil
}

func (c *Client) handleList(ctx context.Context, req request) (string, error) {
	if c.users == nil {
		return "", errServiceUnavailable
	}

	users, err := c.users.List(ctx, req.userID)
	if err != nil {
		return "", err
	}

	all := req.role == domain.RoleOwner
	title := "👥 <b>Your users</b>"
	if all {
		title = "👥 <b>All users</b>"
	}
	if len(users) == 0 {
		return title + "\nNo users yet. Use /add &lt;username&gt; to create one.", nil
	}

	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d)", title, len(users))
	for _, u := range users {
		fmt.Fprintf(&b, "\n• %s - %s", code(u.Username), formatExpiry(u, now))
		if all {
			fmt.Fprintf(&b, " - by %s", code(strconv.FormatInt(u.CreatorID, 10)))
		}
	}

	return b.String(), nil
}

func (c *Client) handleAddManager(ctx context.Context, req request) (string, error) {
	if c.managers == nil {
		return "", errServiceUnavailable
	}

	id, err := parseTelegramID(req.args[0])
	if err != nil {
		return "", err
	}
	if _, err := c.managers.Add(ctx, req.userID, id); err != nil {
		return "", err
	}

	return fmt.Sprintf("✅ Manager %s added. They can now use /add, /delete, /renew and /list.", code(strconv.FormatInt(id, 10))), nil
}

func (c *Client) handleRemoveManager(ctx context.Context, req request) (string, error) {
	if c.managers == nil {
		return "", errServiceUnavailable
	}

	id, err := parseTelegramID(req.args[0])
	if err != nil {
		return "", err
	}
	kept, err := c.managers.Remove(ctx, req.userID, id)
	if err != nil {
		return "", err
	}

	text := fmt.Sprintf("🗑️ Manager %s removed.", code(strconv.FormatInt(id, 10)))
	if kept > 0 {
		text += fmt.Sprintf("\n%d user(s) they created stay active and can be managed by you.", kept)
	}
	return text, nil
}

func (c *Client) handleManagers(ctx context.Context, req request) (string, error) {
	if c.managers == nil {
		return "", errServiceUnavailable
	}

	list, err := c.managers.List(ctx, req.userID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧑‍💼 <b>Managers</b> (%d)", len(list))
	for _, m := range list {
		id := code(strconv.FormatInt(m.TelegramID, 10))
		if m.Principal {
			fmt.Fprintf(&b, "\n• %s 👑 principal - %d user(s)", id, m.Users)
			continue
		}
		fmt.Fprintf(&b, "\n• %s - %d user(s)", id, m.Users)
		if !m.AddedAt.IsZero() {
			fmt.Fprintf(&b, ", added %s", formatTime(m.AddedAt))
		}
	}

	return b.String(), nil
}

// handleBackup replies itself because it sends a document after the text.
func (c *Client) handleBackup(ctx context.Context, req request) (string, error) {
	if c.backups == nil {
		return "", errServiceUnavailable
	}

	result, err := c.backups.Create(ctx, req.userID)
	if err != nil {
		return "", err
	}

	c.reply(ctx, req.chatID, fmt.Sprintf("💾 Backup of %d files created on the server.", len(result.Paths)))

	if err := c.sendFile(ctx, req.chatID, result.ConfigPath); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "backup_send_error",
			"chat_id": req.chatID,
			"path":    result.ConfigPath,
		}).WithError(err).Warn("failed to send backup file")
		return "⚠️ Could not send the backup file. It is kept on the server at " + code(result.ConfigPath) + ".", nil
	}

	return "", nil
}

func (c *Client) sendFile(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = c.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   chatID,
		Document: &models.InputFileUpload{Filename: filepath.Base(path), Data: f},
	})
	return err
}

func (c *Client) handleLog(ctx context.Context, req request) (string, error) {
	if c.audit == nil {
		return "", errServiceUnavailable
	}

	limit := defaultLogEntries
	if len(req.args) == 1 {
		n, err := strconv.Atoi(req.args[0])
		if err != nil || n <= 0 {
			return "ℹ️ Usage: <code>/log [n]</code> with n between 1 and " + strconv.Itoa(maxLogEntries) + ".", nil
		}
		limit = min(n, maxLogEntries)
	}

	entries, err := c.audit.RecentAudit(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "📜 The admin log is empty.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📜 <b>Last %d action(s)</b>", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n%s %s <b>%s</b>", code(e.Timestamp), code(strconv.FormatInt(e.AdminID, 10)), escape(e.Action))
		if target := e.Target(); target != "" {
			fmt.Fprintf(&b, " %s", code(target))
		}
		if e.Details != "" {
			fmt.Fprintf(&b, " - %s", escape(e.Details))
		}
	}

	return b.String(), nil
}

func (c *Client) handleStatus(ctx context.Context, _ request) (string, error) {
	var b strings.Builder
	b.WriteString("📊 <b>Status</b>")
	fmt.Fprintf(&b, "\nUptime: %s", formatUptime(time.Since(c.startedAt)))

	if c.stats != nil {
		stats, err := c.stats.Collect(ctx)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\nTracked users: %d", stats.Users)
		fmt.Fprintf(&b, "\nExpiring within 7 days: %d", stats.ExpiringSoon)
		fmt.Fprintf(&b, "\nExpired, awaiting sweep: %d", stats.Expired)
		fmt.Fprintf(&b, "\nPasswords in config: %d", stats.ConfigUsers)
		fmt.Fprintf(&b, "\nManagers: %d", stats.Managers)
	}

	fmt.Fprintf(&b, "\nAudit mirror: %s", c.mongoStatus(ctx))

	return b.String(), nil
}

func (c *Client) mongoStatus(ctx context.Context) string {
	if c.mongo == nil {
		return "disabled"
	}

	pingCtx, cancel := context.WithTimeout(ctx, statusPingTimeout)
	defer cancel()

	if err := c.mongo.Ping(pingCtx); err != nil {
		c.logger.WithField("event", "status_mongo_error").WithError(err).Warn("mongo ping failed during status")
		return "error"
	}
	return "ok"
}

func parseTelegramID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidManagerID
	}
	return id, nil
}
