// Package user implements the VPN user lifecycle: add, delete, renew, list and
// the expiry sweep.
package user

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
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

type restarter interface {
	Restart(ctx context.Context) error
}

// Service applies user changes to config.json and manager_tracking.json.
type Service struct {
	store     stateStore
	audit     auditor
	restarter restarter
	ownerID   int64
	ttl       time.Duration
	logger    *logrus.Entry
	now       func() time.Time
}

// NewService constructs a Service. ownerID is the principal admin; ttl is the
// access window granted on add and renew.
func NewService(st stateStore, audit auditor, restarter restarter, ownerID int64, ttl time.Duration, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		store:     st,
		audit:     audit,
		restarter: restarter,
		ownerID:   ownerID,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// Add creates username on behalf of actorID.
func (s *Service) Add(ctx context.Context, actorID int64, username string) (domain.TrackedUser, error) {
	if err := s.check(ctx); err != nil {
		return domain.TrackedUser{}, err
	}
	username = strings.TrimSpace(username)

	var (
		added    domain.TrackedUser
		repaired bool
	)
	err := s.store.Update(ctx, func(state *store.State) error {
		if !domain.CanManageUsers(s.role(state, actorID)) {
			return domain.ErrPermissionDenied
		}
		if err := domain.ValidateUsername(username); err != nil {
			return err
		}
		if domain.IsProtected(username) {
			return domain.ErrProtectedUser
		}
		if state.Config.HasUser(username) {
			return domain.ErrUserExists
		}

		now := s.now().UTC()
		added = domain.TrackedUser{
			Username:  username,
			CreatorID: actorID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}

		state.Config.AddUser(username)
		if idx := indexOf(state.Users, username); idx >= 0 {
			// Left behind by a manual edit of config.json.
			state.Users[idx] = added
			repaired = true
		} else {
			state.Users = append(state.Users, added)
		}

		return nil
	})
	if err != nil {
		s.record(ctx, actorID, domain.ActionAddUserFail, username, "Add failed: "+err.Error())
		return domain.TrackedUser{}, err
	}

	if repaired {
		s.logger.WithFields(logging.Fields{
			"event":    "tracking_repaired",
			"username": username,
		}).Warn("replaced stale tracking entry without config entry")
	}

	s.restart(ctx, username)
	s.record(ctx, actorID, domain.ActionAddUser, username,
		fmt.Sprintf("User '%s' added, expires %s", username, domain.FormatAuditTime(added.ExpiresAt)))

	return added, nil
}

// Delete removes username. The creator or the principal may delete a tracked
// user; an untracked config entry may only be removed by the principal.
func (s *Service) Delete(ctx context.Context, actorID int64, username string) (domain.TrackedUser, error) {
	if err := s.check(ctx); err != nil {
		return domain.TrackedUser{}, err
	}
	username = strings.TrimSpace(username)

	var (
		removed   domain.TrackedUser
		untracked bool
	)
	err := s.store.Update(ctx, func(state *store.State) error {
		role := s.role(state, actorID)
		if !domain.CanManageUsers(role) {
			return domain.ErrPermissionDenied
		}
		if username == "" {
			return domain.ErrEmptyUsername
		}
		if domain.IsProtected(username) {
			return domain.ErrProtectedUser
		}

		idx := indexOf(state.Users, username)
		if idx < 0 {
			if !state.Config.HasUser(username) {
				return domain.ErrUserNotFound
			}
			if role != domain.RoleOwner {
				return domain.ErrNotManaged
			}
			state.Config.RemoveUser(username)
			removed = domain.TrackedUser{Username: username}
			untracked = true
			return nil
		}

		entry := state.Users[idx]
		if entry.CreatorID != actorID && role != domain.RoleOwner {
			return fmt.Errorf("%w: %s belongs to another manager", domain.ErrPermissionDenied, username)
		}

		state.Config.RemoveUser(username)
		state.Users = slices.Delete(state.Users, idx, idx+1)
		removed = entry

		return nil
	})
	if err != nil {
		s.record(ctx, actorID, domain.ActionDeleteUserFail, username, "Delete failed: "+err.Error())
		return domain.TrackedUser{}, err
	}

	details := fmt.Sprintf("User '%s' deleted", username)
	if untracked {
		details += " (untracked)"
	}

	s.restart(ctx, username)
	s.record(ctx, actorID, domain.ActionDeleteUser, username, details)

	return removed, nil
}

// Renew restarts the access window of username at now. An untracked config
// entry renewed by the principal becomes tracked under the principal, and a
// tracked user missing from config.json is written back to it.
func (s *Service) Renew(ctx context.Context, actorID int64, username string) (domain.TrackedUser, error) {
	if err := s.check(ctx); err != nil {
		return domain.TrackedUser{}, err
	}
	username = strings.TrimSpace(username)

	var (
		renewed       domain.TrackedUser
		configChanged bool
	)
	err := s.store.Update(ctx, func(state *store.State) error {
		role := s.role(state, actorID)
		if !domain.CanManageUsers(role) {
			return domain.ErrPermissionDenied
		}
		if username == "" {
			return domain.ErrEmptyUsername
		}

		now := s.now().UTC()
		idx := indexOf(state.Users, username)
		if idx < 0 {
			if !state.Config.HasUser(username) {
				return domain.ErrUserNotFound
			}
			if domain.IsProtected(username) {
				return domain.ErrProtectedUser
			}
			if role != domain.RoleOwner {
				return domain.ErrNotManaged
			}
			renewed = domain.TrackedUser{
				Username:  username,
				CreatorID: actorID,
				CreatedAt: now,
				ExpiresAt: now.Add(s.ttl),
			}
			state.Users = append(state.Users, renewed)
			return nil
		}

		entry := state.Users[idx]
		if entry.CreatorID != actorID && role != domain.RoleOwner {
			return fmt.Errorf("%w: %s belongs to another manager", domain.ErrPermissionDenied, username)
		}

		entry.ExpiresAt = now.Add(s.ttl)
		state.Users[idx] = entry
		configChanged = state.Config.AddUser(username)
		renewed = entry

		return nil
	})
	if err != nil {
		s.record(ctx, actorID, domain.ActionRenewUserFail, username, "Renew failed: "+err.Error())
		return domain.TrackedUser{}, err
	}

	if configChanged {
		s.restart(ctx, username)
	}
	s.record(ctx, actorID, domain.ActionRenewUser, username,
		fmt.Sprintf("User '%s' renewed until %s", username, domain.FormatAuditTime(renewed.ExpiresAt)))

	return renewed, nil
}

// List returns the users visible to actorID sorted by username: all of them
// for the principal, only their own for a manager.
func (s *Service) List(ctx context.Context, actorID int64) ([]domain.TrackedUser, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	state, err := s.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	role := s.role(&state, actorID)
	if !domain.CanManageUsers(role) {
		return nil, domain.ErrPermissionDenied
	}

	users := make([]domain.TrackedUser, 0, len(state.Users))
	for _, u := range state.Users {
		if role == domain.RoleOwner || u.CreatorID == actorID {
			users = append(users, u)
		}
	}
	slices.SortFunc(users, func(a, b domain.TrackedUser) int {
		return strings.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username))
	})

	return users, nil
}

// ExpireDue removes every user whose access window has closed and returns
// them. The zivpn service is restarted once when anything was removed.
func (s *Service) ExpireDue(ctx context.Context) ([]domain.TrackedUser, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var expired []domain.TrackedUser
	err := s.store.Update(ctx, func(state *store.State) error {
		expired = nil
		now := s.now()

		kept := state.Users[:0:0]
		for _, u := range state.Users {
			if u.Expired(now) && u.Username != domain.ProtectedUsername {
				state.Config.RemoveUser(u.Username)
				expired = append(expired, u)
				continue
			}
			kept = append(kept, u)
		}
		state.Users = kept

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expire users: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	s.restart(ctx, "")
	for _, u := range expired {
		s.record(ctx, domain.SystemActorID, domain.ActionExpireUser, u.Username,
			fmt.Sprintf("User '%s' expired at %s (creator %d)", u.Username, domain.FormatAuditTime(u.ExpiresAt), u.CreatorID))
	}

	s.logger.WithFields(logging.Fields{
		"event": "users_expired",
		"count": len(expired),
	}).Info("removed expired users")

	return expired, nil
}

func (s *Service) check(ctx context.Context) error {
	if s == nil || s.store == nil {
		return errors.New("user service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action, target, details string) {
	if s.audit != nil {
		s.audit.Record(ctx, actorID, action, target, details)
	}
}

func (s *Service) role(state *store.State, actorID int64) string {
	return domain.ResolveRole(state.Managers, s.ownerID, actorID)
}

// restart failures leave the change in place; zivpn picks it up on its next
// restart.
func (s *Service) restart(ctx context.Context, username string) {
	if s.restarter == nil {
		return
	}
	if err := s.restarter.Restart(ctx); err != nil {
		fields := logging.Fields{"event": "zivpn_restart_failed"}
		if username != "" {
			fields["username"] = username
		}
		s.logger.WithFields(fields).WithError(err).Warn("failed to restart zivpn service")
	}
}

func indexOf(users []domain.TrackedUser, username string) int {
	return slices.IndexFunc(users, func(u domain.TrackedUser) bool {
		return u.Username == username
	})
}
