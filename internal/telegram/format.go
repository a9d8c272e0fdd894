package telegram

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"zivpn_bot/internal/domain"
)

// maxMessageLength is the Telegram limit for one message text.
const maxMessageLength = 4096

const (
	displayTimeLayout = "2006-01-02 15:04"
	msgInternalError  = "❌ Something went wrong. Check the bot logs."
)

// splitMessage breaks text into parts of at most limit runes, cutting on line
// boundaries. Lines longer than limit are cut mid-line.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		parts   []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			parts = append(parts, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for utf8.RuneCountInString(line) > limit {
			flush()
			runes := []rune(line)
			parts = append(parts, string(runes[:limit]))
			line = string(runes[limit:])
		}

		lineSize := utf8.RuneCountInString(line)
		sep := 0
		if size > 0 {
			sep = 1
		}
		if size+sep+lineSize > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
		size += sep + lineSize
	}
	flush()

	return parts
}

func escape(s string) string {
	return html.EscapeString(s)
}

func code(s string) string {
	return "<code>" + escape(s) + "</code>"
}

func formatTime(t time.Time) string {
	return t.Local().Format(displayTimeLayout)
}

// formatExpiry describes when u expires relative to now.
func formatExpiry(u domain.TrackedUser, now time.Time) string {
	switch {
	case u.ExpiresAt.IsZero():
		return "no expiry"
	case u.Expired(now):
		return "expired " + formatTime(u.ExpiresAt)
	default:
		days := int(u.ExpiresAt.Sub(now).Hours() / 24)
		return fmt.Sprintf("expires %s (%dd left)", formatTime(u.ExpiresAt), days)
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d)
	}
	return d.String()
}

// errorMessage maps service errors to the reply shown to the user.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyUsername), errors.Is(err, domain.ErrInvalidUsername):
		return "⚠️ " + escape(capitalize(rootError(err).Error())) + "."
	case errors.Is(err, domain.ErrUserExists):
		return "⚠️ That user already exists."
	case errors.Is(err, domain.ErrUserNotFound):
		return "⚠️ User not found."
	case errors.Is(err, domain.ErrNotManaged):
		return "⚠️ That user was not created through the bot. Only the principal admin can change it."
	case errors.Is(err, domain.ErrProtectedUser):
		return "⛔ The root user is protected and cannot be managed through the bot."
	case errors.Is(err, domain.ErrPermissionDenied):
		return "⛔ You can only manage users you created."
	case errors.Is(err, domain.ErrManagerExists):
		return "⚠️ That Telegram ID is already a manager."
	case errors.Is(err, domain.ErrManagerNotFound):
		return "⚠️ Manager not found."
	case errors.Is(err, domain.ErrInvalidManagerID):
		return "⚠️ Telegram ID must be a positive integer."
	case errors.Is(err, domain.ErrPrincipalManager):
		return "⛔ The principal admin cannot be removed."
	default:
		return msgInternalError
	}
}

func rootError(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
