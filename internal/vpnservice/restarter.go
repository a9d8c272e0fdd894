// Package vpnservice restarts the zivpn systemd unit so it reloads config.json.
package vpnservice

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/logging"
)

// runCommand is overridable for tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Restarter restarts one systemd unit. An empty unit disables it.
type Restarter struct {
	unit   string
	logger *logrus.Entry
}

// NewRestarter constructs a Restarter for unit.
func NewRestarter(unit string, logger *logrus.Entry) *Restarter {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Restarter{
		unit:   strings.TrimSpace(unit),
		logger: logger,
	}
}

// Enabled reports whether a unit is configured.
func (r *Restarter) Enabled() bool {
	return r != nil && r.unit != ""
}

// Restart runs systemctl restart for the unit.
func (r *Restarter) Restart(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if !r.Enabled() {
		return nil
	}

	output, err := runCommand(ctx, "systemctl", "restart", r.unit)
	if err != nil {
		out := strings.TrimSpace(string(output))
		if out != "" {
			return fmt.Errorf("systemctl restart %s: %w: %s", r.unit, err, out)
		}
		return fmt.Errorf("systemctl restart %s: %w", r.unit, err)
	}

	r.logger.WithFields(logging.Fields{
		"event": "zivpn_restarted",
		"unit":  r.unit,
	}).Info("restarted zivpn service")

	return nil
}
