package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"zivpn_bot/internal/domain"
)

type recordingLog struct {
	entries []domain.AuditEntry
	err     error
}

func (l *recordingLog) AppendAudit(_ context.Context, entry domain.AuditEntry) error {
	l.entries = append(l.entries, entry)
	return l.err
}

type recordingMirror struct {
	entries []domain.AuditEntry
	err     error
}

func (m *recordingMirror) Create(_ context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	m.entries = append(m.entries, entry)
	return entry, m.err
}

func newTestRecorder(log fileLog, opts ...Option) (*Recorder, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	r := NewRecorder(log, logrus.NewEntry(logger), opts...)
	r.now = func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.Local) }
	r.newID = func() string { return "id-1" }
	return r, hook
}

func TestRecordWritesEntry(t *testing.T) {
	log := &recordingLog{}
	mirror := &recordingMirror{}
	r, hook := newTestRecorder(log, WithMirror(mirror))

	r.Record(context.Background(), 42, domain.ActionAddUser, "alice", "User 'alice' added.")

	if len(log.entries) != 1 || len(mirror.entries) != 1 {
		t.Fatalf("expected one entry in log and mirror, got %d and %d", len(log.entries), len(mirror.entries))
	}

	entry := log.entries[0]
	if entry.ID != "id-1" || entry.Timestamp != "2026-10-17 09:30:00" {
		t.Fatalf("unexpected id/timestamp %+v", entry)
	}
	if entry.AdminID != 42 || entry.Action != domain.ActionAddUser || entry.Target() != "alice" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if mirror.entries[0] != entry {
		t.Fatalf("expected mirror to receive the same entry")
	}

	last := hook.LastEntry()
	if last.Data["event"] != "audit" || last.Data["target_username"] != "alice" {
		t.Fatalf("expected audit log line, got %v", last.Data)
	}
}

func TestRecordWithoutTarget(t *testing.T) {
	log := &recordingLog{}
	r, _ := newTestRecorder(log)

	r.Record(context.Background(), 1, domain.ActionBackup, "", "backup created")

	if log.entries[0].TargetUsername != nil {
		t.Fatalf("expected null target")
	}
}

func TestRecordSurvivesSinkFailures(t *testing.T) {
	log := &recordingLog{err: errors.New("disk full")}
	mirror := &recordingMirror{err: errors.New("mongo down")}
	r, hook := newTestRecorder(log, WithMirror(mirror))

	r.Record(context.Background(), 1, domain.ActionDeleteUser, "bob", "deleted")

	var levels []logrus.Level
	for _, entry := range hook.AllEntries() {
		levels = append(levels, entry.Level)
	}
	if len(levels) != 3 || levels[0] != logrus.ErrorLevel || levels[1] != logrus.WarnLevel || levels[2] != logrus.InfoLevel {
		t.Fatalf("expected error, warn, info logs, got %v", levels)
	}

	var nilRecorder *Recorder
	nilRecorder.Record(context.Background(), 1, domain.ActionBackup, "", "")
}
