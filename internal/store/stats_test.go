package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"zivpn_bot/internal/domain"
)

type stubStateReader struct {
	state State
	err   error
}

func (s stubStateReader) Read(context.Context) (State, error) {
	return s.state, s.err
}

func TestStatsProviderCollect(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	cfg := domain.DefaultVPNConfig("/etc/zivpn")
	cfg.AddUser("a")
	cfg.AddUser("b")

	reader := stubStateReader{state: State{
		Config: cfg,
		Users: []domain.TrackedUser{
			{Username: "a", CreatorID: 1, ExpiresAt: now.Add(-time.Minute)},
			{Username: "b", CreatorID: 1, ExpiresAt: now.Add(24 * time.Hour)},
			{Username: "c", CreatorID: 2, ExpiresAt: now.Add(20 * 24 * time.Hour)},
			{Username: "legacy", CreatorID: 2},
		},
		Managers: []domain.Manager{{TelegramID: 1, Principal: true}, {TelegramID: 2}},
	}}

	provider := NewStatsProvider(reader, 3*24*time.Hour)
	provider.now = func() time.Time { return now }

	stats, err := provider.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}

	want := Stats{Users: 4, ExpiringSoon: 1, Expired: 1, Managers: 2, ConfigUsers: 3}
	if stats != want {
		t.Fatalf("Collect() = %+v, want %+v", stats, want)
	}
}

func TestStatsProviderErrors(t *testing.T) {
	var nilProvider *StatsProvider
	if _, err := nilProvider.Collect(context.Background()); err == nil {
		t.Fatalf("expected error for nil provider")
	}

	provider := NewStatsProvider(stubStateReader{}, time.Hour)
	if _, err := provider.Collect(nil); err == nil {
		t.Fatalf("expected error for nil context")
	}

	errRead := errors.New("disk gone")
	provider = NewStatsProvider(stubStateReader{err: errRead}, time.Hour)
	if _, err := provider.Collect(context.Background()); !errors.Is(err, errRead) {
		t.Fatalf("expected read error to propagate, got %v", err)
	}
}
