package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type stateReader interface {
	Read(ctx context.Context) (State, error)
}

// Stats summarises the managed population for the /status command.
type Stats struct {
	Users        int
	ExpiringSoon int
	Expired      int
	Managers     int
	ConfigUsers  int
}

// StatsProvider computes Stats from the file store.
type StatsProvider struct {
	state  stateReader
	window time.Duration
	now    func() time.Time
}

// NewStatsProvider constructs a StatsProvider; users expiring within window
// count as expiring soon.
func NewStatsProvider(state stateReader, window time.Duration) *StatsProvider {
	return &StatsProvider{
		state:  state,
		window: window,
		now:    time.Now,
	}
}

// Collect reads the current state and counts users and managers.
func (p *StatsProvider) Collect(ctx context.Context) (Stats, error) {
	if ctx == nil {
		return Stats{}, errors.New("context is required")
	}
	if p == nil || p.state == nil {
		return Stats{}, errors.New("stats provider is not initialized")
	}

	state, err := p.state.Read(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read state: %w", err)
	}

	now := p.now()
	stats := Stats{
		Users:       len(state.Users),
		Managers:    len(state.Managers),
		ConfigUsers: len(state.Config.Auth.Config),
	}
	for _, user := range state.Users {
		switch {
		case user.Expired(now):
			stats.Expired++
		case user.ExpiresWithin(now, p.window):
			stats.ExpiringSoon++
		}
	}

	return stats, nil
}
