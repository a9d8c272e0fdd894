// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken  = "TELEGRAM_BOT_TOKEN"
	KeyAdminID        = "ADMIN_TELEGRAM_ID"
	KeyZivpnDir       = "ZIVPN_DIR"
	KeyBackupDir      = "BACKUP_DIR"
	KeyBackupKeep     = "BACKUP_KEEP"
	KeyZivpnService   = "ZIVPN_SERVICE"
	KeyUserTTLDays    = "USER_TTL_DAYS"
	KeyExpirySchedule = "EXPIRY_SCHEDULE"
	KeyMongoURI       = "MONGO_URI"
	KeyMongoDB        = "MONGO_DB"
	KeyAppEnv         = "APP_ENV"
	KeyLogLevel       = "LOG_LEVEL"
	KeyHTTPPort       = "HTTP_PORT"
	KeyEnvFile        = "ENV_FILE"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv         = EnvProduction
	DefaultLogLevel       = "info"
	DefaultHTTPPort       = 8080
	DefaultZivpnDir       = "/etc/zivpn"
	DefaultBackupDir      = "backups"
	DefaultBackupKeep     = 10
	DefaultZivpnService   = "zivpn.service"
	DefaultUserTTLDays    = 30
	DefaultExpirySchedule = "@every 1h"
	DefaultMongoDB        = "zivpn_bot"
	DefaultEnvFile        = ".env"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// Values already present in the process environment win over the env file.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyAdminID,
		Example:     "123456789",
		Required:    true,
		Description: "Principal admin Telegram user_id; may manage every user and all managers.",
	},
	{
		Key:         KeyZivpnDir,
		Example:     DefaultZivpnDir,
		Default:     DefaultZivpnDir,
		Description: "Directory holding config.json and the bot's JSON state files.",
	},
	{
		Key:         KeyBackupDir,
		Example:     DefaultBackupDir,
		Default:     DefaultBackupDir,
		Description: "Directory receiving /backup copies.",
	},
	{
		Key:         KeyBackupKeep,
		Example:     strconv.Itoa(DefaultBackupKeep),
		Default:     strconv.Itoa(DefaultBackupKeep),
		Description: "Number of backup sets to keep.",
		Notes:       "0 keeps every backup.",
	},
	{
		Key:         KeyZivpnService,
		Example:     DefaultZivpnService,
		Default:     DefaultZivpnService,
		Description: "systemd unit restarted after the user list changes.",
		Notes:       "Set to an empty value to disable restarts.",
	},
	{
		Key:         KeyUserTTLDays,
		Example:     strconv.Itoa(DefaultUserTTLDays),
		Default:     strconv.Itoa(DefaultUserTTLDays),
		Description: "Days of access granted on add and on renew.",
	},
	{
		Key:         KeyExpirySchedule,
		Example:     DefaultExpirySchedule,
		Default:     DefaultExpirySchedule,
		Description: "Cron spec for the expired-user sweep.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Description: "Optional MongoDB connection string for the audit mirror.",
		Notes:       "Leave empty to keep the audit log on disk only.",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDB,
		Default:     DefaultMongoDB,
		Description: "MongoDB database name for the audit mirror.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format.",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/diagnostics port.",
		Notes:       "0 disables the health server.",
	},
	{
		Key:         KeyEnvFile,
		Example:     DefaultEnvFile,
		Default:     DefaultEnvFile,
		Description: "dotenv file written by the installer.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken  string
	AdminID        int64
	ZivpnDir       string
	BackupDir      string
	BackupKeep     int
	ZivpnService   string
	UserTTL        time.Duration
	ExpirySchedule string
	MongoURI       string
	MongoDB        string
	AppEnv         string
	LogLevel       string
	HTTPPort       int
}

// Load resolves configuration from the environment, reading the env file first
// when it exists.
func Load() (Config, error) {
	if err := loadDotEnv(firstNonEmpty(os.Getenv(KeyEnvFile), DefaultEnvFile)); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:         firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), DefaultAppEnv),
		TelegramToken:  strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		ZivpnDir:       firstNonEmpty(os.Getenv(KeyZivpnDir), DefaultZivpnDir),
		BackupDir:      firstNonEmpty(os.Getenv(KeyBackupDir), DefaultBackupDir),
		BackupKeep:     DefaultBackupKeep,
		ZivpnService:   DefaultZivpnService,
		UserTTL:        DefaultUserTTLDays * 24 * time.Hour,
		ExpirySchedule: firstNonEmpty(os.Getenv(KeyExpirySchedule), DefaultExpirySchedule),
		MongoURI:       strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:        firstNonEmpty(os.Getenv(KeyMongoDB), DefaultMongoDB),
		LogLevel:       firstNonEmpty(os.Getenv(KeyLogLevel), DefaultLogLevel),
		HTTPPort:       DefaultHTTPPort,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	adminRaw := strings.TrimSpace(os.Getenv(KeyAdminID))
	if adminRaw == "" {
		missing = append(missing, KeyAdminID)
	} else {
		adminID, parseErr := strconv.ParseInt(adminRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyAdminID, parseErr)
		}
		if adminID <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyAdminID)
		}
		cfg.AdminID = adminID
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	// An explicitly empty ZIVPN_SERVICE disables restarts.
	if raw, ok := os.LookupEnv(KeyZivpnService); ok {
		cfg.ZivpnService = strings.TrimSpace(raw)
	}

	if cfg.MongoURI != "" && !validMongoURI(cfg.MongoURI) {
		return Config{}, fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
	}

	if _, err := cron.ParseStandard(cfg.ExpirySchedule); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyExpirySchedule, err)
	}

	port, err := intFromEnv(KeyHTTPPort, DefaultHTTPPort, 0)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPPort = port

	keep, err := intFromEnv(KeyBackupKeep, DefaultBackupKeep, 0)
	if err != nil {
		return Config{}, err
	}
	cfg.BackupKeep = keep

	ttlDays, err := intFromEnv(KeyUserTTLDays, DefaultUserTTLDays, 1)
	if err != nil {
		return Config{}, err
	}
	cfg.UserTTL = time.Duration(ttlDays) * 24 * time.Hour

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// MongoEnabled reports whether the audit mirror should be connected.
func (c Config) MongoEnabled() bool {
	return c.MongoURI != ""
}

// FormatRedacted renders the configuration with secrets masked, one key per line.
func FormatRedacted(c Config) string {
	lines := []string{
		"telegram_token: " + redactToken(c.TelegramToken),
		"admin_telegram_id: " + strconv.FormatInt(c.AdminID, 10),
		"zivpn_dir: " + c.ZivpnDir,
		"backup_dir: " + c.BackupDir,
		"backup_keep: " + strconv.Itoa(c.BackupKeep),
		"zivpn_service: " + c.ZivpnService,
		"user_ttl: " + c.UserTTL.String(),
		"expiry_schedule: " + c.ExpirySchedule,
		"mongo_uri: " + redactMongoURI(c.MongoURI),
		"mongo_db: " + c.MongoDB,
		"app_env: " + c.AppEnv,
		"log_level: " + c.LogLevel,
		"http_port: " + strconv.Itoa(c.HTTPPort),
	}

	return strings.Join(lines, "\n")
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

func intFromEnv(key string, fallback, min int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value < min {
		return 0, fmt.Errorf("%s must be at least %d", key, min)
	}

	return value, nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func validMongoURI(uri string) bool {
	return strings.HasPrefix(uri, "mongodb://") || strings.HasPrefix(uri, "mongodb+srv://")
}

func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "...redacted"
	}

	return token[:4] + "...redacted"
}

func redactMongoURI(uri string) string {
	if uri == "" {
		return "(disabled)"
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "redacted"
	}
	parsed.User = nil

	return parsed.String()
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
