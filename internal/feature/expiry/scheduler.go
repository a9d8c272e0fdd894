// Package expiry periodically removes users whose access window has closed and
// tells their creators.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
)

const runTimeout = 2 * time.Minute

type expirer interface {
	ExpireDue(ctx context.Context) ([]domain.TrackedUser, error)
}

type notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Scheduler runs the expiry sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	expirer  expirer
	notifier notifier
	ownerID  int64
	logger   *logrus.Entry
}

// NewScheduler constructs a Scheduler. notifier may be nil.
func NewScheduler(expirer expirer, notifier notifier, ownerID int64, logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logging.Logger()
	}

	cronLogger := cron.PrintfLogger(logger.WithField("component", "cron"))

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		expirer:  expirer,
		notifier: notifier,
		ownerID:  ownerID,
		logger:   logger,
	}
}

// Start registers the sweep under spec (standard cron syntax or a descriptor
// such as "@every 1h") and starts the cron runner.
func (s *Scheduler) Start(spec string) error {
	if s == nil || s.expirer == nil {
		return errors.New("expiry scheduler is not initialized")
	}

	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	s.cron.Start()

	s.logger.WithFields(logging.Fields{
		"event":    "expiry_scheduler_started",
		"schedule": spec,
	}).Info("expiry scheduler started")

	return nil
}

// Stop stops scheduling and waits for a running sweep until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep and returns how many users expired.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if s == nil || s.expirer == nil {
		return 0, errors.New("expiry scheduler is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	expired, err := s.expirer.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		s.notify(ctx, expired)
	}

	return len(expired), nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.WithField("event", "expiry_sweep_failed").WithError(err).Error("expiry sweep failed")
	}
}

// notify sends each creator the users of theirs that expired. The principal
// receives the full list.
func (s *Scheduler) notify(ctx context.Context, expired []domain.TrackedUser) {
	if s.notifier == nil {
		return
	}

	byCreator := make(map[int64][]string)
	all := make([]string, 0, len(expired))
	for _, u := range expired {
		all = append(all, u.Username)
		if u.CreatorID != domain.SystemActorID && u.CreatorID != s.ownerID {
			byCreator[u.CreatorID] = append(byCreator[u.CreatorID], u.Username)
		}
	}
	if s.ownerID != 0 {
		byCreator[s.ownerID] = all
	}

	creators := make([]int64, 0, len(byCreator))
	for id := range byCreator {
		creators = append(creators, id)
	}
	slices.Sort(creators)

	for _, id := range creators {
		if err := s.notifier.Notify(ctx, id, FormatNotice(byCreator[id])); err != nil {
			s.logger.WithFields(logging.Fields{
				"event":   "expiry_notify_failed",
				"chat_id": id,
			}).WithError(err).Warn("failed to send expiry notice")
		}
	}
}

// FormatNotice renders the message sent about expired users.
func FormatNotice(usernames []string) string {
	sorted := slices.Clone(usernames)
	slices.SortFunc(sorted, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})

	var b strings.Builder
	b.WriteString("⌛ Access expired and removed:\n")
	for _, name := range sorted {
		b.WriteString("• ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	b.WriteString("\nUse /add to grant access again.")

	return b.String()
}
