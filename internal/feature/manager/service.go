// Package manager lets the principal admin grant and revoke manager access.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
	"zivpn_bot/internal/store"
)

type stateStore interface {
	Read(ctx context.Context) (store.State, error)
	Update(ctx context.Context, fn func(*store.State) error) error
}

type auditor interface {
	Record(ctx context.Context, actorID int64, action, target, details string)
}

// Summary is a manager record with the number of users it created.
type Summary struct {
	domain.Manager
	Users int
}

// Service edits bot_managers.json. Every mutating call requires the principal.
type Service struct {
	store   stateStore
	audit   auditor
	ownerID int64
	logger  *logrus.Entry
	now     func() time.Time
}

// NewService constructs a Service for the principal ownerID.
func NewService(st stateStore, audit auditor, ownerID int64, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		store:   st,
		audit:   audit,
		ownerID: ownerID,
		logger:  logger,
		now:     time.Now,
	}
}

// Add grants manager access to managerID.
func (s *Service) Add(ctx context.Context, actorID, managerID int64) (domain.Manager, error) {
	if err := s.check(ctx); err != nil {
		return domain.Manager{}, err
	}

	var added domain.Manager
	err := s.store.Update(ctx, func(state *store.State) error {
		if actorID != s.ownerID {
			return domain.ErrPermissionDenied
		}
		if managerID <= 0 {
			return domain.ErrInvalidManagerID
		}
		if managerID == s.ownerID || indexOf(state.Managers, managerID) >= 0 {
			return domain.ErrManagerExists
		}

		added = domain.Manager{
			TelegramID: managerID,
			AddedBy:    actorID,
			AddedAt:    s.now().UTC(),
		}
		state.Managers = append(state.Managers, added)

		return nil
	})
	if err != nil {
		s.record(ctx, actorID, domain.ActionAddManagerFail, fmt.Sprintf("Add manager %d failed: %s", managerID, err))
		return domain.Manager{}, err
	}

	s.record(ctx, actorID, domain.ActionAddManager, fmt.Sprintf("Manager %d added", managerID))
	s.logger.WithFields(logging.Fields{
		"event":      "manager_added",
		"manager_id": managerID,
	}).Info("added manager")

	return added, nil
}

// Remove revokes manager access. The users the manager created stay in place
// and remain manageable by the principal. It returns how many there are.
func (s *Service) Remove(ctx context.Context, actorID, managerID int64) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	var orphaned int
	err := s.store.Update(ctx, func(state *store.State) error {
		if actorID != s.ownerID {
			return domain.ErrPermissionDenied
		}
		if managerID == s.ownerID {
			return domain.ErrPrincipalManager
		}

		idx := indexOf(state.Managers, managerID)
		if idx < 0 {
			return domain.ErrManagerNotFound
		}
		state.Managers = slices.Delete(state.Managers, idx, idx+1)

		orphaned = 0
		for _, u := range state.Users {
			if u.CreatorID == managerID {
				orphaned++
			}
		}

		return nil
	})
	if err != nil {
		s.record(ctx, actorID, domain.ActionRemoveManagerFail, fmt.Sprintf("Remove manager %d failed: %s", managerID, err))
		return 0, err
	}

	s.record(ctx, actorID, domain.ActionRemoveManager, fmt.Sprintf("Manager %d removed, %d user(s) kept", managerID, orphaned))
	s.logger.WithFields(logging.Fields{
		"event":      "manager_removed",
		"manager_id": managerID,
		"users_kept": orphaned,
	}).Info("removed manager")

	return orphaned, nil
}

// List returns every manager, principal first, then by Telegram ID.
func (s *Service) List(ctx context.Context, actorID int64) ([]Summary, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if actorID != s.ownerID {
		return nil, domain.ErrPermissionDenied
	}

	state, err := s.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	counts := make(map[int64]int, len(state.Managers))
	for _, u := range state.Users {
		counts[u.CreatorID]++
	}

	out := make([]Summary, 0, len(state.Managers))
	for _, m := range state.Managers {
		m.Principal = m.TelegramID == s.ownerID
		out = append(out, Summary{Manager: m, Users: counts[m.TelegramID]})
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if a.Principal != b.Principal {
			if a.Principal {
				return -1
			}
			return 1
		}
		switch {
		case a.TelegramID < b.TelegramID:
			return -1
		case a.TelegramID > b.TelegramID:
			return 1
		}
		return 0
	})

	return out, nil
}

// Role resolves the role of telegramID against the current manager list.
func (s *Service) Role(ctx context.Context, telegramID int64) (string, error) {
	if err := s.check(ctx); err != nil {
		return domain.RoleNone, err
	}
	if telegramID != 0 && telegramID == s.ownerID {
		return domain.RoleOwner, nil
	}

	state, err := s.store.Read(ctx)
	if err != nil {
		return domain.RoleNone, fmt.Errorf("read state: %w", err)
	}

	return domain.ResolveRole(state.Managers, s.ownerID, telegramID), nil
}

func (s *Service) check(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("manager service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action, details string) {
	if s.audit != nil {
		s.audit.Record(ctx, actorID, action, "", details)
	}
}

func indexOf(managers []domain.Manager, telegramID int64) int {
	return slices.IndexFunc(managers, func(m domain.Manager) bool {
		return m.TelegramID == telegramID
	})
}
