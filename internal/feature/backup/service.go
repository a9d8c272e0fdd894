// Package backup copies the zivpn state files into the backup directory.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
	"zivpn_bot/internal/store"
)

// TimestampLayout is the suffix layout of backup file names.
const TimestampLayout = "20060102_150405"

const backupExt = ".bak"

// Sources are backed up in this order; the first is sent to the admin.
var Sources = []string{store.ConfigFile, store.TrackingFile, store.ManagersFile}

type fileSource interface {
	Path(name string) string
	Locked(ctx context.Context, fn func() error) error
}

type auditor interface {
	Record(ctx context.Context, actorID int64, action, target, details string)
}

// Result describes one backup set.
type Result struct {
	ConfigPath string
	Paths      []string
	Pruned     int
}

// Service creates backup sets and prunes old ones.
type Service struct {
	files   fileSource
	dir     string
	keep    int
	ownerID int64
	audit   auditor
	logger  *logrus.Entry
	now     func() time.Time
}

// NewService constructs a Service writing into dir. keep bounds the number of
// sets retained per file; 0 keeps everything.
func NewService(files fileSource, dir string, keep int, ownerID int64, audit auditor, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		files:   files,
		dir:     dir,
		keep:    keep,
		ownerID: ownerID,
		audit:   audit,
		logger:  logger,
		now:     time.Now,
	}
}

// Create copies every source file to <dir>/<name>_<timestamp>.bak, keeping the
// source modification time. A missing source fails the whole set.
func (s *Service) Create(ctx context.Context, actorID int64) (Result, error) {
	if s == nil || s.files == nil {
		return Result{}, errors.New("backup service is not initialized")
	}
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}

	result, err := s.create(ctx, actorID)
	if err != nil {
		s.record(ctx, actorID, domain.ActionBackupFail, "Backup failed: "+err.Error())
		s.logger.WithFields(logging.Fields{
			"event":      "backup_failed",
			"backup_dir": s.dir,
		}).WithError(err).Error("failed to create backup")
		return Result{}, err
	}

	s.record(ctx, actorID, domain.ActionBackup, fmt.Sprintf("Backups created in %s", s.dir))
	s.logger.WithFields(logging.Fields{
		"event":      "backup_created",
		"backup_dir": s.dir,
		"files":      len(result.Paths),
		"pruned":     result.Pruned,
	}).Info("created backup")

	return result, nil
}

func (s *Service) create(ctx context.Context, actorID int64) (Result, error) {
	if actorID != s.ownerID {
		return Result{}, domain.ErrPermissionDenied
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create backup dir: %w", err)
	}

	stamp := s.now().Format(TimestampLayout)
	var result Result

	err := s.files.Locked(ctx, func() error {
		for _, name := range Sources {
			dst := filepath.Join(s.dir, name+"_"+stamp+backupExt)
			if err := copyFile(s.files.Path(name), dst); err != nil {
				removeAll(result.Paths)
				result.Paths = nil
				return fmt.Errorf("backup %s: %w", name, err)
			}
			result.Paths = append(result.Paths, dst)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	result.ConfigPath = result.Paths[0]

	pruned, err := s.prune()
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"event":      "backup_prune_failed",
			"backup_dir": s.dir,
		}).WithError(err).Warn("failed to prune old backups")
	}
	result.Pruned = pruned

	return result, nil
}

// prune removes the oldest sets beyond keep. Timestamps sort lexically.
func (s *Service) prune() (int, error) {
	if s.keep <= 0 {
		return 0, nil
	}

	removed := 0
	var errs []error
	for _, name := range Sources {
		matches, err := filepath.Glob(filepath.Join(s.dir, name+"_*"+backupExt))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(matches) <= s.keep {
			continue
		}

		slices.Sort(matches)
		for _, old := range matches[:len(matches)-s.keep] {
			if err := os.Remove(old); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}

	return removed, errors.Join(errs...)
}

func (s *Service) record(ctx context.Context, actorID int64, action, details string) {
	if s.audit != nil {
		s.audit.Record(ctx, actorID, action, "", details)
	}
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
