// Package audit records administrative actions to admin_log.json and, when
// configured, mirrors them to MongoDB.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
)

type fileLog interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

type mirror interface {
	Create(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error)
}

// Recorder writes audit entries. Recording never fails the caller; problems
// are logged instead.
type Recorder struct {
	log    fileLog
	mirror mirror
	logger *logrus.Entry
	now    func() time.Time
	newID  func() string
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithMirror adds a secondary sink for every entry.
func WithMirror(m mirror) Option {
	return func(r *Recorder) {
		r.mirror = m
	}
}

// NewRecorder constructs a Recorder writing to log.
func NewRecorder(log fileLog, logger *logrus.Entry, opts ...Option) *Recorder {
	if logger == nil {
		logger = logging.Logger()
	}

	r := &Recorder{
		log:    log,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record stores one action. An empty target is written as null.
func (r *Recorder) Record(ctx context.Context, actorID int64, action, target, details string) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	entry := domain.AuditEntry{
		ID:        r.newID(),
		Timestamp: domain.FormatAuditTime(r.now()),
		AdminID:   actorID,
		Action:    action,
		Details:   details,
	}
	if target != "" {
		entry.TargetUsername = &target
	}

	fields := logging.Fields{
		"event":    "audit",
		"action":   action,
		"admin_id": actorID,
	}
	if target != "" {
		fields["target_username"] = target
	}

	if r.log != nil {
		if err := r.log.AppendAudit(ctx, entry); err != nil {
			r.logger.WithFields(fields).WithError(err).Error("failed to write audit log")
		}
	}

	if r.mirror != nil {
		if _, err := r.mirror.Create(ctx, entry); err != nil {
			r.logger.WithFields(fields).WithError(err).Warn("failed to mirror audit entry")
		}
	}

	r.logger.WithFields(fields).Info(details)
}
