package telegram

import (
	"context"
	"strings"

	"github.com/go-telegram/bot/models"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/feature/backup"
	"zivpn_bot/internal/feature/manager"
	"zivpn_bot/internal/logging"
	"zivpn_bot/internal/store"
)

type userService interface {
	Add(ctx context.Context, actorID int64, username string) (domain.TrackedUser, error)
	Delete(ctx context.Context, actorID int64, username string) (domain.TrackedUser, error)
	Renew(ctx context.Context, actorID int64, username string) (domain.TrackedUser, error)
	List(ctx context.Context, actorID int64) ([]domain.TrackedUser, error)
}

type managerService interface {
	Add(ctx context.Context, actorID, managerID int64) (domain.Manager, error)
	Remove(ctx context.Context, actorID, managerID int64) (int, error)
	List(ctx context.Context, actorID int64) ([]manager.Summary, error)
	Role(ctx context.Context, telegramID int64) (string, error)
}

type backupService interface {
	Create(ctx context.Context, actorID int64) (backup.Result, error)
}

type auditReader interface {
	RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

type statsCollector interface {
	Collect(ctx context.Context) (store.Stats, error)
}

type mongoChecker interface {
	Ping(ctx context.Context) error
}

// request is one parsed command invocation.
type request struct {
	userID int64
	chatID int64
	role   string
	args   []string
}

type handlerFunc func(ctx context.Context, req request) (string, error)

// command describes one slash command. maxArgs < 0 accepts any number.
type command struct {
	name        string
	usage       string
	description string
	role        string
	minArgs     int
	maxArgs     int
	handle      handlerFunc
}

func (c *Client) registerCommands() {
	c.commands = []command{
		{name: "start", description: "Welcome message and your Telegram ID", role: domain.RoleNone, maxArgs: -1, handle: c.handleStart},
		{name: "help", description: "Show available commands", role: domain.RoleNone, maxArgs: -1, handle: c.handleHelp},
		{name: "add", usage: "<username>", description: "Add a VPN user", role: domain.RoleManager, minArgs: 1, maxArgs: 1, handle: c.handleAdd},
		{name: "delete", usage: "<username>", description: "Delete a VPN user you created", role: domain.RoleManager, minArgs: 1, maxArgs: 1, handle: c.handleDelete},
		{name: "renew", usage: "<username>", description: "Renew a VPN user for another period", role: domain.RoleManager, minArgs: 1, maxArgs: 1, handle: c.handleRenew},
		{name: "list", description: "List your VPN users", role: domain.RoleManager, handle: c.handleList},
		{name: "addmanager", usage: "<telegram_id>", description: "Grant manager access", role: domain.RoleOwner, minArgs: 1, maxArgs: 1, handle: c.handleAddManager},
		{name: "delmanager", usage: "<telegram_id>", description: "Revoke manager access", role: domain.RoleOwner, minArgs: 1, maxArgs: 1, handle: c.handleRemoveManager},
		{name: "managers", description: "List managers", role: domain.RoleOwner, handle: c.handleManagers},
		{name: "backup", description: "Back up config and tracking files", role: domain.RoleOwner, handle: c.handleBackup},
		{name: "log", usage: "[n]", description: "Show recent admin actions", role: domain.RoleOwner, maxArgs: 1, handle: c.handleLog},
		{name: "status", description: "Show bot status", role: domain.RoleOwner, handle: c.handleStatus},
	}

	c.byName = make(map[string]command, len(c.commands))
	for _, cmd := range c.commands {
		c.byName[cmd.name] = cmd
	}
}

func (c *Client) menu() []models.BotCommand {
	out := make([]models.BotCommand, 0, len(c.commands))
	for _, cmd := range c.commands {
		out = append(out, models.BotCommand{Command: cmd.name, Description: cmd.description})
	}
	return out
}

// parseCommand splits "/name@bot arg1 arg2" into a lower-cased name and its
// arguments. ok is false for text that is not a command and for commands
// addressed to a bot other than self. An empty self accepts any mention.
func parseCommand(text, self string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}

	name = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if self != "" && !strings.EqualFold(name[at+1:], self) {
			return "", nil, false
		}
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}

	return strings.ToLower(name), fields[1:], true
}

func (c *Client) dispatch(ctx context.Context, msg *models.Message) {
	if msg.From == nil {
		return
	}

	name, args, ok := parseCommand(msg.Text, c.username)
	if !ok {
		return
	}

	req := request{
		userID: msg.From.ID,
		chatID: msg.Chat.ID,
		args:   args,
	}
	log := logging.WithContext(c.logger, logging.Context{
		UserID:  req.userID,
		ChatID:  req.chatID,
		Event:   "telegram_command",
		Command: name,
	})

	cmd, found := c.byName[name]
	if !found {
		c.reply(ctx, req.chatID, "❓ Unknown command. Use /help to see what I can do.")
		return
	}

	role, err := c.resolveRole(ctx, req.userID)
	if err != nil {
		log.WithError(err).Error("failed to resolve role")
		if cmd.role != domain.RoleNone {
			c.reply(ctx, req.chatID, msgInternalError)
			return
		}
	}
	req.role = role

	if domain.RolePriority(role) < domain.RolePriority(cmd.role) {
		log.Warn("command denied")
		c.reply(ctx, req.chatID, deniedMessage(cmd.role))
		return
	}

	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		c.reply(ctx, req.chatID, "ℹ️ Usage: <code>"+escape(cmd.syntax())+"</code>")
		return
	}

	text, err := cmd.handle(ctx, req)
	if err != nil {
		text = errorMessage(err)
		if text == msgInternalError {
			log.WithError(err).Error("command failed")
		} else {
			log.WithError(err).Info("command rejected")
		}
	}
	if text != "" {
		c.reply(ctx, req.chatID, text)
	}
}

func (c *Client) resolveRole(ctx context.Context, telegramID int64) (string, error) {
	if telegramID != 0 && telegramID == c.ownerID {
		return domain.RoleOwner, nil
	}
	if c.managers == nil {
		return domain.RoleNone, nil
	}
	return c.managers.Role(ctx, telegramID)
}

func (cmd command) syntax() string {
	if cmd.usage == "" {
		return "/" + cmd.name
	}
	return "/" + cmd.name + " " + cmd.usage
}

func deniedMessage(required string) string {
	if required == domain.RoleOwner {
		return "⛔ Only the principal admin can use this command."
	}
	return "⛔ You are not a manager of this bot. Send /start to see your Telegram ID and ask the admin for access."
}
