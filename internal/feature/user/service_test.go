package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/store"
)

const (
	ownerID    int64 = 1
	managerA   int64 = 2
	managerB   int64 = 3
	strangerID int64 = 99
)

const ttl = 30 * 24 * time.Hour

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type recordedAction struct {
	actorID int64
	action  string
	target  string
	details string
}

type fakeAuditor struct {
	entries []recordedAction
}

func (f *fakeAuditor) Record(_ context.Context, actorID int64, action, target, details string) {
	f.entries = append(f.entries, recordedAction{actorID: actorID, action: action, target: target, details: details})
}

func (f *fakeAuditor) last(t *testing.T) recordedAction {
	t.Helper()
	if len(f.entries) == 0 {
		t.Fatalf("expected an audit entry")
	}
	return f.entries[len(f.entries)-1]
}

type fakeRestarter struct {
	calls int
	err   error
}

func (f *fakeRestarter) Restart(context.Context) error {
	f.calls++
	return f.err
}

type harness struct {
	svc       *Service
	store     *store.FileStore
	audit     *fakeAuditor
	restarter *fakeRestarter
	hook      *logtest.Hook
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	entry := logrus.NewEntry(logger)

	fs, err := store.NewFileStore(t.TempDir(), entry)
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	ctx := context.Background()
	if err := fs.Init(ctx); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	err = fs.Update(ctx, func(state *store.State) error {
		state.Managers = []domain.Manager{
			{TelegramID: ownerID, Principal: true},
			{TelegramID: managerA, AddedBy: ownerID},
			{TelegramID: managerB, AddedBy: ownerID},
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed managers: %v", err)
	}

	h := &harness{
		store:     fs,
		audit:     &fakeAuditor{},
		restarter: &fakeRestarter{},
		hook:      hook,
		now:       t0,
	}
	h.svc = NewService(fs, h.audit, h.restarter, ownerID, ttl, entry)
	h.svc.now = func() time.Time { return h.now }

	return h
}

func (h *harness) state(t *testing.T) store.State {
	t.Helper()
	state, err := h.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	return state
}

func (h *harness) mustAdd(t *testing.T, actorID int64, username string) domain.TrackedUser {
	t.Helper()
	added, err := h.svc.Add(context.Background(), actorID, username)
	if err != nil {
		t.Fatalf("Add(%s) returned error: %v", username, err)
	}
	return added
}

func trackedByName(state store.State, username string) (domain.TrackedUser, bool) {
	for _, u := range state.Users {
		if u.Username == username {
			return u, true
		}
	}
	return domain.TrackedUser{}, false
}

func TestAddCreatesUser(t *testing.T) {
	h := newHarness(t)

	added := h.mustAdd(t, managerA, " alice ")

	if added.Username != "alice" || added.CreatorID != managerA {
		t.Fatalf("unexpected added user: %+v", added)
	}
	if !added.ExpiresAt.Equal(t0.Add(ttl)) {
		t.Fatalf("expected expiry %s, got %s", t0.Add(ttl), added.ExpiresAt)
	}

	state := h.state(t)
	if !state.Config.HasUser("alice") {
		t.Fatalf("expected alice in auth.config, got %v", state.Config.Auth.Config)
	}
	tracked, ok := trackedByName(state, "alice")
	if !ok || tracked.CreatorID != managerA || !tracked.ExpiresAt.Equal(t0.Add(ttl)) {
		t.Fatalf("unexpected tracking entry: %+v (found=%v)", tracked, ok)
	}

	if h.restarter.calls != 1 {
		t.Fatalf("expected one restart, got %d", h.restarter.calls)
	}
	got := h.audit.last(t)
	if got.action != domain.ActionAddUser || got.target != "alice" || got.actorID != managerA {
		t.Fatalf("unexpected audit entry: %+v", got)
	}
}

func TestAddRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name     string
		actorID  int64
		username string
		existing string
		want     error
	}{
		{"stranger", strangerID, "alice", "", domain.ErrPermissionDenied},
		{"empty", managerA, "  ", "", domain.ErrEmptyUsername},
		{"invalid characters", managerA, "bad name", "", domain.ErrInvalidUsername},
		{"duplicate", managerA, "alice", "alice", domain.ErrUserExists},
		{"root", managerA, "root", "", domain.ErrProtectedUser},
		{"root upper case", managerA, "ROOT", "", domain.ErrProtectedUser},
		{"root mixed case by principal", ownerID, "Root", "", domain.ErrProtectedUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.existing != "" {
				err := h.store.Update(context.Background(), func(state *store.State) error {
					state.Config.AddUser(tt.existing)
					return nil
				})
				if err != nil {
					t.Fatalf("seed config: %v", err)
				}
			}

			_, err := h.svc.Add(context.Background(), tt.actorID, tt.username)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if h.restarter.calls != 0 {
				t.Fatalf("expected no restart, got %d", h.restarter.calls)
			}
			if got := h.audit.last(t); got.action != domain.ActionAddUserFail {
				t.Fatalf("expected %s audit, got %+v", domain.ActionAddUserFail, got)
			}
			if users := h.state(t).Users; len(users) != 0 {
				t.Fatalf("expected no tracked users, got %+v", users)
			}
		})
	}
}

func TestAddRepairsStaleTrackingEntry(t *testing.T) {
	h := newHarness(t)

	err := h.store.Update(context.Background(), func(state *store.State) error {
		state.Users = append(state.Users, domain.TrackedUser{Username: "bob", CreatorID: managerB})
		return nil
	})
	if err != nil {
		t.Fatalf("seed tracking: %v", err)
	}

	h.mustAdd(t, managerA, "bob")

	state := h.state(t)
	if len(state.Users) != 1 {
		t.Fatalf("expected a single tracking entry, got %+v", state.Users)
	}
	if state.Users[0].CreatorID != managerA {
		t.Fatalf("expected creator to be updated to %d, got %d", managerA, state.Users[0].CreatorID)
	}

	found := false
	for _, entry := range h.hook.AllEntries() {
		if entry.Data["event"] == "tracking_repaired" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected tracking_repaired warning")
	}
}

func TestAddSurvivesRestartFailure(t *testing.T) {
	h := newHarness(t)
	h.restarter.err = errors.New("unit not found")

	if _, err := h.svc.Add(context.Background(), managerA, "alice"); err != nil {
		t.Fatalf("expected add to succeed despite restart failure, got %v", err)
	}

	entry := h.hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["event"] != "zivpn_restart_failed" {
		t.Fatalf("expected restart failure warning, got %+v", entry)
	}
	if !h.state(t).Config.HasUser("alice") {
		t.Fatalf("expected alice to stay in config")
	}
}

func TestDeleteEnforcesOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustAdd(t, managerA, "alice")

	if _, err := h.svc.Delete(ctx, managerB, "alice"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for another manager, got %v", err)
	}
	if got := h.audit.last(t); got.action != domain.ActionDeleteUserFail {
		t.Fatalf("expected %s audit, got %+v", domain.ActionDeleteUserFail, got)
	}

	removed, err := h.svc.Delete(ctx, ownerID, "alice")
	if err != nil {
		t.Fatalf("expected principal to delete any user, got %v", err)
	}
	if removed.CreatorID != managerA {
		t.Fatalf("expected removed entry to carry creator %d, got %+v", managerA, removed)
	}

	state := h.state(t)
	if state.Config.HasUser("alice") {
		t.Fatalf("expected alice removed from config")
	}
	if _, ok := trackedByName(state, "alice"); ok {
		t.Fatalf("expected alice removed from tracking")
	}
	if h.restarter.calls != 2 {
		t.Fatalf("expected restarts for add and delete, got %d", h.restarter.calls)
	}
	if got := h.audit.last(t); got.action != domain.ActionDeleteUser || got.actorID != ownerID {
		t.Fatalf("unexpected audit entry: %+v", got)
	}
}

func TestDeleteByCreator(t *testing.T) {
	h := newHarness(t)
	h.mustAdd(t, managerA, "alice")

	if _, err := h.svc.Delete(context.Background(), managerA, "alice"); err != nil {
		t.Fatalf("expected creator to delete own user, got %v", err)
	}
	if len(h.state(t).Users) != 0 {
		t.Fatalf("expected tracking to be empty")
	}
}

func TestDeleteRejectsProtectedAndUnknown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"root", "ROOT", "Root"} {
		if _, err := h.svc.Delete(ctx, ownerID, name); !errors.Is(err, domain.ErrProtectedUser) {
			t.Fatalf("expected %s to be protected, got %v", name, err)
		}
	}
	if _, err := h.svc.Delete(ctx, ownerID, "ghost"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.Delete(ctx, strangerID, "ghost"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for stranger, got %v", err)
	}
	if !h.state(t).Config.HasUser("root") {
		t.Fatalf("expected root to remain in config")
	}
	if h.restarter.calls != 0 {
		t.Fatalf("expected no restarts, got %d", h.restarter.calls)
	}
}

func TestDeleteUntrackedRequiresPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.Update(ctx, func(state *store.State) error {
		state.Config.AddUser("legacy")
		return nil
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if _, err := h.svc.Delete(ctx, managerA, "legacy"); !errors.Is(err, domain.ErrNotManaged) {
		t.Fatalf("expected not managed for manager, got %v", err)
	}
	if _, err := h.svc.Delete(ctx, ownerID, "legacy"); err != nil {
		t.Fatalf("expected principal to delete untracked user, got %v", err)
	}
	if h.state(t).Config.HasUser("legacy") {
		t.Fatalf("expected legacy removed from config")
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustAdd(t, managerA, "alice")

	h.now = t0.Add(10 * 24 * time.Hour)

	renewed, err := h.svc.Renew(ctx, managerA, "alice")
	if err != nil {
		t.Fatalf("Renew returned error: %v", err)
	}
	want := h.now.Add(ttl)
	if !renewed.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, renewed.ExpiresAt)
	}
	if !renewed.CreatedAt.Equal(t0) {
		t.Fatalf("expected created_at to be kept, got %s", renewed.CreatedAt)
	}

	tracked, _ := trackedByName(h.state(t), "alice")
	if !tracked.ExpiresAt.Equal(want) {
		t.Fatalf("expected stored expiry %s, got %s", want, tracked.ExpiresAt)
	}
	if h.restarter.calls != 1 {
		t.Fatalf("expected renew without config change not to restart, got %d restarts", h.restarter.calls)
	}
	if got := h.audit.last(t); got.action != domain.ActionRenewUser {
		t.Fatalf("expected %s audit, got %+v", domain.ActionRenewUser, got)
	}

	if _, err := h.svc.Renew(ctx, managerB, "alice"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for another manager, got %v", err)
	}
	if got := h.audit.last(t); got.action != domain.ActionRenewUserFail {
		t.Fatalf("expected %s audit, got %+v", domain.ActionRenewUserFail, got)
	}
	if _, err := h.svc.Renew(ctx, ownerID, "ghost"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRenewAdoptsUntrackedUserForPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.Update(ctx, func(state *store.State) error {
		state.Config.AddUser("legacy")
		return nil
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if _, err := h.svc.Renew(ctx, managerA, "legacy"); !errors.Is(err, domain.ErrNotManaged) {
		t.Fatalf("expected not managed for manager, got %v", err)
	}

	renewed, err := h.svc.Renew(ctx, ownerID, "legacy")
	if err != nil {
		t.Fatalf("Renew returned error: %v", err)
	}
	if renewed.CreatorID != ownerID || !renewed.ExpiresAt.Equal(t0.Add(ttl)) {
		t.Fatalf("unexpected adopted entry: %+v", renewed)
	}
	if _, ok := trackedByName(h.state(t), "legacy"); !ok {
		t.Fatalf("expected legacy to be tracked")
	}
}

func TestRenewRejectsProtectedUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{"root", "ROOT"} {
		err := h.store.Update(ctx, func(state *store.State) error {
			state.Config.AddUser(name)
			return nil
		})
		if err != nil {
			t.Fatalf("seed config: %v", err)
		}

		if _, err := h.svc.Renew(ctx, ownerID, name); !errors.Is(err, domain.ErrProtectedUser) {
			t.Fatalf("expected %s to be protected, got %v", name, err)
		}
	}
	if users := h.state(t).Users; len(users) != 0 {
		t.Fatalf("expected protected users to stay untracked, got %+v", users)
	}
}

func TestRenewRestoresMissingConfigEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustAdd(t, managerA, "alice")

	err := h.store.Update(ctx, func(state *store.State) error {
		state.Config.RemoveUser("alice")
		return nil
	})
	if err != nil {
		t.Fatalf("remove config entry: %v", err)
	}

	h.now = t0.Add(5 * 24 * time.Hour)
	restartsBefore := h.restarter.calls

	renewed, err := h.svc.Renew(ctx, managerA, "alice")
	if err != nil {
		t.Fatalf("Renew returned error: %v", err)
	}
	if !renewed.ExpiresAt.Equal(h.now.Add(ttl)) {
		t.Fatalf("expected expiry %s, got %s", h.now.Add(ttl), renewed.ExpiresAt)
	}

	state := h.state(t)
	if !state.Config.HasUser("alice") {
		t.Fatalf("expected alice written back to auth.config, got %v", state.Config.Auth.Config)
	}
	if tracked, ok := trackedByName(state, "alice"); !ok || tracked.CreatorID != managerA {
		t.Fatalf("expected alice to stay tracked under manager A, got %+v (found=%v)", tracked, ok)
	}
	if h.restarter.calls != restartsBefore+1 {
		t.Fatalf("expected a restart after restoring config, got %d", h.restarter.calls-restartsBefore)
	}
}

func TestExpireDueRemovesCaseVariantOfRoot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.store.Update(ctx, func(state *store.State) error {
		state.Config.AddUser("ROOT")
		state.Users = append(state.Users, domain.TrackedUser{Username: "ROOT", CreatorID: managerA, ExpiresAt: t0})
		return nil
	})
	if err != nil {
		t.Fatalf("seed tracking: %v", err)
	}

	h.now = t0.Add(90 * 24 * time.Hour)

	expired, err := h.svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue returned error: %v", err)
	}
	if names := usernames(expired); !equalStrings(names, []string{"ROOT"}) {
		t.Fatalf("expected ROOT to expire, got %v", names)
	}

	state := h.state(t)
	if state.Config.HasUser("ROOT") {
		t.Fatalf("expected ROOT removed from config")
	}
	if !state.Config.HasUser("root") {
		t.Fatalf("expected root to remain in config")
	}
}

func TestListScopesByRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mustAdd(t, managerA, "charlie")
	h.mustAdd(t, managerB, "Bob")
	h.mustAdd(t, managerA, "alice")

	all, err := h.svc.List(ctx, ownerID)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if names := usernames(all); !equalStrings(names, []string{"alice", "Bob", "charlie"}) {
		t.Fatalf("unexpected principal listing: %v", names)
	}

	own, err := h.svc.List(ctx, managerA)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if names := usernames(own); !equalStrings(names, []string{"alice", "charlie"}) {
		t.Fatalf("unexpected manager listing: %v", names)
	}

	if _, err := h.svc.List(ctx, strangerID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for stranger, got %v", err)
	}
}

func TestExpireDueRemovesExpiredUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mustAdd(t, managerA, "alice")
	h.now = t0.Add(20 * 24 * time.Hour)
	h.mustAdd(t, managerB, "bob")

	err := h.store.Update(ctx, func(state *store.State) error {
		state.Users = append(state.Users,
			domain.TrackedUser{Username: "root", CreatorID: ownerID, ExpiresAt: t0},
			domain.TrackedUser{Username: "legacy", CreatorID: managerA},
		)
		state.Config.AddUser("legacy")
		return nil
	})
	if err != nil {
		t.Fatalf("seed tracking: %v", err)
	}

	h.now = t0.Add(ttl)
	restartsBefore := h.restarter.calls

	expired, err := h.svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue returned error: %v", err)
	}
	if names := usernames(expired); !equalStrings(names, []string{"alice"}) {
		t.Fatalf("expected only alice to expire, got %v", names)
	}

	state := h.state(t)
	if state.Config.HasUser("alice") {
		t.Fatalf("expected alice removed from config")
	}
	for _, name := range []string{"bob", "root", "legacy"} {
		if !state.Config.HasUser(name) {
			t.Fatalf("expected %s to remain in config", name)
		}
		if _, ok := trackedByName(state, name); !ok {
			t.Fatalf("expected %s to remain tracked", name)
		}
	}

	if h.restarter.calls != restartsBefore+1 {
		t.Fatalf("expected one restart for the sweep, got %d", h.restarter.calls-restartsBefore)
	}
	got := h.audit.last(t)
	if got.action != domain.ActionExpireUser || got.actorID != domain.SystemActorID || got.target != "alice" {
		t.Fatalf("unexpected audit entry: %+v", got)
	}
}

func TestExpireDueWithNothingToDo(t *testing.T) {
	h := newHarness(t)
	h.mustAdd(t, managerA, "alice")
	auditsBefore := len(h.audit.entries)

	expired, err := h.svc.ExpireDue(context.Background())
	if err != nil {
		t.Fatalf("ExpireDue returned error: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected nothing to expire, got %+v", expired)
	}
	if h.restarter.calls != 1 {
		t.Fatalf("expected no restart for an empty sweep, got %d", h.restarter.calls)
	}
	if len(h.audit.entries) != auditsBefore {
		t.Fatalf("expected no audit entries for an empty sweep")
	}
}

func TestServiceRequiresContext(t *testing.T) {
	h := newHarness(t)

	if _, err := h.svc.Add(nil, managerA, "alice"); err == nil {
		t.Fatalf("expected error for nil context")
	}

	var nilService *Service
	if _, err := nilService.List(context.Background(), ownerID); err == nil {
		t.Fatalf("expected error for uninitialized service")
	}
}

func usernames(users []domain.TrackedUser) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Username)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
