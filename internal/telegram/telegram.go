// Package telegram hosts the Telegram client, command routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/config"
	"zivpn_bot/internal/logging"
)

// botAPI is the subset of *bot.Bot the client uses.
type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
	GetMe(ctx context.Context) (*models.User, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"my_chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance, the services commands operate on,
// and logging dependencies.
type Client struct {
	bot       botAPI
	logger    *logrus.Entry
	ownerID   int64
	users     userService
	managers  managerService
	backups   backupService
	audit     auditReader
	stats     statsCollector
	mongo     mongoChecker
	startedAt time.Time
	commands  []command
	byName    map[string]command
	username  string
}

// Option customises a Client.
type Option func(*Client)

// WithUserService sets the service behind /add, /delete, /renew and /list.
func WithUserService(users userService) Option {
	return func(c *Client) { c.users = users }
}

// WithManagerService sets the service behind the manager commands and role checks.
func WithManagerService(managers managerService) Option {
	return func(c *Client) { c.managers = managers }
}

// WithBackupService sets the service behind /backup.
func WithBackupService(backups backupService) Option {
	return func(c *Client) { c.backups = backups }
}

// WithAuditReader sets the source for /log.
func WithAuditReader(audit auditReader) Option {
	return func(c *Client) { c.audit = audit }
}

// WithStatsProvider sets the source for /status counts.
func WithStatsProvider(stats statsCollector) Option {
	return func(c *Client) { c.stats = stats }
}

// WithMongoChecker reports the audit mirror state in /status.
func WithMongoChecker(mongo mongoChecker) Option {
	return func(c *Client) { c.mongo = mongo }
}

// WithProcessStart sets the time /status measures uptime from.
func WithProcessStart(start time.Time) Option {
	return func(c *Client) { c.startedAt = start }
}

// NewClient initializes the Telegram bot with long polling and the command router.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		logger:    logger,
		ownerID:   cfg.AdminID,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registerCommands()

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.defaultHandler()),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// Start publishes the command menu and receives updates via long polling until
// the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	if me, err := c.bot.GetMe(ctx); err != nil {
		c.logger.WithField("event", "telegram_getme_error").WithError(err).Warn("failed to resolve bot username; accepting commands addressed to any bot")
	} else if me != nil {
		c.username = me.Username
	}

	if _, err := c.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: c.menu()}); err != nil {
		c.logger.WithField("event", "telegram_commands_error").WithError(err).Warn("failed to publish command menu")
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

// Notify sends a plain-text message to chatID, split when too long.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}

	for _, part := range splitMessage(text, maxMessageLength) {
		if _, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: part}); err != nil {
			return fmt.Errorf("send message to %d: %w", chatID, err)
		}
	}

	return nil
}

// reply sends an HTML message, split on line boundaries when too long.
func (c *Client) reply(ctx context.Context, chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageLength) {
		_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      part,
			ParseMode: models.ParseModeHTML,
		})
		if err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "telegram_send_error",
				"chat_id": chatID,
			}).WithError(err).Warn("failed to send reply")
			return
		}
	}
}

type updateMeta struct {
	userID     int64
	chatID     int64
	text       string
	updateType string
}

func (c *Client) defaultHandler() bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update == nil {
			return
		}

		meta := extractUpdateMeta(update)

		log := logging.WithContext(c.logger, logging.Context{
			UserID: meta.userID,
			ChatID: meta.chatID,
			Event:  "telegram_update",
		}).WithField("update_type", meta.updateType)
		if meta.text != "" {
			log = log.WithField("text", meta.text)
		}

		log.Info("telegram update received")

		if update.Message != nil {
			c.dispatch(ctx, update.Message)
		}
	}
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			text:       strings.TrimSpace(update.Message.Text),
			updateType: "message",
		}
	case update.EditedMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedMessage.From),
			chatID:     chatID(&update.EditedMessage.Chat),
			text:       strings.TrimSpace(update.EditedMessage.Text),
			updateType: "edited_message",
		}
	case update.MyChatMember != nil:
		return updateMeta{
			userID:     userID(&update.MyChatMember.From),
			chatID:     chatID(&update.MyChatMember.Chat),
			updateType: "my_chat_member",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}
