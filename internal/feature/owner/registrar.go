// Package owner provides startup helpers for ensuring the configured principal
// admin exists in bot_managers.json with the principal flag.
package owner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
	"zivpn_bot/internal/store"
)

type managerStore interface {
	Update(ctx context.Context, fn func(*store.State) error) error
}

// Registrar bootstraps the configured principal admin record.
type Registrar struct {
	managers managerStore
	logger   *logrus.Entry
	now      func() time.Time
}

// NewRegistrar constructs a Registrar for the provided store.
func NewRegistrar(managers managerStore, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		managers: managers,
		logger:   logger,
		now:      time.Now,
	}
}

// EnsureOwner upserts ownerID with principal=true and demotes any previous
// principal to a regular manager.
func (r *Registrar) EnsureOwner(ctx context.Context, ownerID int64) error {
	if r == nil || r.managers == nil {
		return errors.New("owner registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if ownerID == 0 {
		return errors.New("owner id is required")
	}

	var (
		demoted  int
		inserted bool
		promoted bool
	)
	err := r.managers.Update(ctx, func(state *store.State) error {
		demoted, inserted, promoted = 0, false, false
		found := false

		for i := range state.Managers {
			m := &state.Managers[i]
			if m.TelegramID == ownerID {
				found = true
				if !m.Principal {
					m.Principal = true
					promoted = true
				}
				continue
			}
			if m.Principal {
				m.Principal = false
				demoted++
			}
		}

		if !found {
			state.Managers = append(state.Managers, domain.Manager{
				TelegramID: ownerID,
				Principal:  true,
				AddedAt:    r.now().UTC(),
			})
			inserted = true
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":             "owner_bootstrap",
		"owner_id":          ownerID,
		"demoted_owners":    demoted,
		"inserted_owner":    inserted,
		"promoted_existing": promoted,
	}).Info("ensured principal admin")

	return nil
}
