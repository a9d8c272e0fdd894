package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/logging"
)

// File names inside the zivpn directory.
const (
	ConfigFile   = "config.json"
	TrackingFile = "manager_tracking.json"
	ManagersFile = "bot_managers.json"
	AuditFile    = "admin_log.json"
)

const (
	filePerm      = 0o644
	dirPerm       = 0o755
	corruptSuffix = ".corrupt"
)

// writeFile is overridable for tests.
var writeFile = writeAtomic

// State is the bot-managed data loaded from the zivpn directory.
type State struct {
	Config   domain.VPNConfig
	Users    []domain.TrackedUser
	Managers []domain.Manager
}

// FileStore owns the JSON files in the zivpn directory. All access goes
// through one mutex so concurrent commands never interleave read-modify-write
// cycles.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *logrus.Entry
}

// NewFileStore constructs a FileStore rooted at dir. Call Init before use.
func NewFileStore(dir string, logger *logrus.Entry) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the zivpn directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the absolute path of one of the store files.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Init creates the directory and any missing file with its default content.
// Existing files are never touched.
func (s *FileStore) Init(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	defaults, err := s.defaultFiles()
	if err != nil {
		return err
	}

	for _, name := range []string{ConfigFile, TrackingFile, ManagersFile, AuditFile} {
		_, err := os.Stat(s.Path(name))
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", name, err)
		}

		if err := writeFile(s.Path(name), defaults[name]); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		s.logger.WithFields(logging.Fields{
			"event": "store_file_created",
			"file":  name,
		}).Info("created missing store file with defaults")
	}

	return nil
}

// Read loads the current state. Missing files are recreated with defaults.
func (s *FileStore) Read(ctx context.Context) (State, error) {
	if err := checkContext(ctx); err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, _, err := s.load(true)
	return state, err
}

// Update loads the state, applies fn and writes back every file whose encoding
// changed. When fn returns an error nothing is written. When a write fails,
// files already rewritten in this call are restored.
func (s *FileStore) Update(ctx context.Context, fn func(*State) error) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("update function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, previous, err := s.load(true)
	if err != nil {
		return err
	}

	baseline, err := encodeState(state)
	if err != nil {
		return err
	}

	if err := fn(&state); err != nil {
		return err
	}

	return s.commit(state, baseline, previous)
}

// Locked runs fn while no other store operation can touch the files.
func (s *FileStore) Locked(ctx context.Context, fn func() error) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("locked function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn()
}

// Check verifies that every store file exists and decodes.
func (s *FileStore) Check(ctx context.Context) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.load(false); err != nil {
		return err
	}
	if _, err := s.loadAudit(false); err != nil {
		return err
	}

	return nil
}

// AppendAudit adds entry to admin_log.json. A log that no longer decodes is
// moved aside to admin_log.json.corrupt and a new one is started.
func (s *FileStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadAudit(true)
	if err != nil {
		return err
	}

	entries = append(entries, entry)

	data, err := encode(entries, "    ")
	if err != nil {
		return fmt.Errorf("encode audit log: %w", err)
	}
	if err := writeFile(s.Path(AuditFile), data); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	return nil
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *FileStore) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadAudit(false)
	if err != nil {
		return nil, err
	}

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out := make([]domain.AuditEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}

	return out, nil
}

func (s *FileStore) defaultFiles() (map[string][]byte, error) {
	cfg, err := encode(domain.DefaultVPNConfig(s.dir), "  ")
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}

	empty := []byte("[]\n")

	return map[string][]byte{
		ConfigFile:   cfg,
		TrackingFile: empty,
		ManagersFile: empty,
		AuditFile:    empty,
	}, nil
}

// load reads the three state files. With create set, missing files are written
// with defaults first; otherwise a missing file is an error. It returns the
// raw bytes read so a failed commit can restore them.
func (s *FileStore) load(create bool) (State, map[string][]byte, error) {
	previous := make(map[string][]byte, 3)
	var state State

	var defaults map[string][]byte
	if create {
		var err error
		if defaults, err = s.defaultFiles(); err != nil {
			return State{}, nil, err
		}
	}

	for _, name := range []string{ConfigFile, TrackingFile, ManagersFile} {
		raw, err := os.ReadFile(s.Path(name))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) || !create {
				return State{}, nil, fmt.Errorf("read %s: %w", name, err)
			}

			s.logger.WithFields(logging.Fields{
				"event": "store_file_missing",
				"file":  name,
			}).Warn("store file missing, recreating with defaults")

			raw = defaults[name]
			if err := writeFile(s.Path(name), raw); err != nil {
				return State{}, nil, fmt.Errorf("create %s: %w", name, err)
			}
		}
		previous[name] = raw
	}

	cfg, err := s.decodeConfig(previous[ConfigFile])
	if err != nil {
		return State{}, nil, err
	}
	state.Config = cfg

	users, err := decodeList(s, TrackingFile, previous[TrackingFile], func(u domain.TrackedUser, keys map[string]json.RawMessage) bool {
		_, hasCreator := keys["creator_id"]
		return u.Username != "" && hasCreator
	})
	if err != nil {
		return State{}, nil, err
	}
	state.Users = users

	managers, err := decodeList(s, ManagersFile, previous[ManagersFile], func(m domain.Manager, _ map[string]json.RawMessage) bool {
		return m.TelegramID != 0
	})
	if err != nil {
		return State{}, nil, err
	}
	state.Managers = managers

	return state, previous, nil
}

func (s *FileStore) decodeConfig(raw []byte) (domain.VPNConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		s.logger.WithFields(logging.Fields{
			"event": "store_file_empty",
			"file":  ConfigFile,
		}).Warn("config file is empty, using defaults")
		return domain.DefaultVPNConfig(s.dir), nil
	}

	var cfg domain.VPNConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.VPNConfig{}, fmt.Errorf("decode %s: %w", ConfigFile, err)
	}

	return cfg, nil
}

func decodeList[T any](s *FileStore, name string, raw []byte, valid func(T, map[string]json.RawMessage) bool) ([]T, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []T{}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: expected a JSON list: %w", name, err)
	}

	out := make([]T, 0, len(items))
	for _, item := range items {
		var keys map[string]json.RawMessage
		var value T
		if json.Unmarshal(item, &keys) != nil || json.Unmarshal(item, &value) != nil || !valid(value, keys) {
			s.logger.WithFields(logging.Fields{
				"event": "store_entry_invalid",
				"file":  name,
				"entry": string(item),
			}).Warn("skipping invalid store entry")
			continue
		}
		out = append(out, value)
	}

	return out, nil
}

func (s *FileStore) loadAudit(create bool) ([]domain.AuditEntry, error) {
	path := s.Path(AuditFile)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && create {
			return []domain.AuditEntry{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", AuditFile, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []domain.AuditEntry{}, nil
	}

	var entries []domain.AuditEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		if !create {
			return nil, fmt.Errorf("decode %s: %w", AuditFile, err)
		}

		s.logger.WithFields(logging.Fields{
			"event": "audit_log_corrupt",
			"file":  AuditFile,
		}).WithError(err).Warn("audit log does not decode, moving it aside")

		if renameErr := os.Rename(path, path+corruptSuffix); renameErr != nil {
			return nil, fmt.Errorf("move corrupt audit log: %w", renameErr)
		}
		return []domain.AuditEntry{}, nil
	}

	return entries, nil
}

// encodeState renders the three state files in their on-disk layout.
func encodeState(state State) (map[string][]byte, error) {
	users := state.Users
	if users == nil {
		users = []domain.TrackedUser{}
	}
	managers := state.Managers
	if managers == nil {
		managers = []domain.Manager{}
	}

	out := make(map[string][]byte, 3)
	for _, p := range []struct {
		name   string
		value  any
		indent string
	}{
		{ConfigFile, state.Config, "  "},
		{TrackingFile, users, "    "},
		{ManagersFile, managers, "    "},
	} {
		data, err := encode(p.value, p.indent)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.name, err)
		}
		out[p.name] = data
	}

	return out, nil
}

// commit writes the files whose encoding differs from baseline. previous holds
// the raw bytes used to restore files on failure.
func (s *FileStore) commit(state State, baseline, previous map[string][]byte) error {
	encoded, err := encodeState(state)
	if err != nil {
		return err
	}

	written := make([]string, 0, len(encoded))
	for _, name := range []string{ConfigFile, TrackingFile, ManagersFile} {
		if bytes.Equal(encoded[name], baseline[name]) {
			continue
		}

		if err := writeFile(s.Path(name), encoded[name]); err != nil {
			s.rollback(written, previous)
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, name)
	}

	return nil
}

func (s *FileStore) rollback(written []string, previous map[string][]byte) {
	for _, name := range written {
		if err := writeFile(s.Path(name), previous[name]); err != nil {
			s.logger.WithFields(logging.Fields{
				"event": "store_rollback_error",
				"file":  name,
			}).WithError(err).Error("failed to restore store file, state may be inconsistent")
			continue
		}
		s.logger.WithFields(logging.Fields{
			"event": "store_rollback",
			"file":  name,
		}).Warn("restored store file after failed update")
	}
}

func encode(value any, indent string) ([]byte, error) {
	data, err := json.MarshalIndent(value, "", indent)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeAtomic replaces path with data through a temp file in the same
// directory, keeping the mode of an existing file.
func writeAtomic(path string, data []byte) error {
	perm := fs.FileMode(filePerm)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	return ctx.Err()
}
