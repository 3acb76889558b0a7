package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// ErrNoState means no runtime record exists: no proxy was started here,
// or it cleaned up on exit.
var ErrNoState = errors.New("no runtime state recorded")

// FileStore reads and writes the runtime state file. Saves are guarded
// by an in-process mutex and a cross-process flock on path+".lock".
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a store for the given file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Load reads the runtime record. A missing file is ErrNoState; corrupt
// JSON is an error. The state file should be private to the owner, so a
// looser mode gets a warning.
func (s *FileStore) Load() (*RuntimeState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("read runtime state: %w", err)
	}

	// Unix permission bits mean nothing on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("runtime state file has loose permissions, want 0600",
					"path", s.path, "mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var st RuntimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse runtime state: %w", err)
	}
	return &st, nil
}

// Save writes the record atomically: under the locks, marshal, write to
// path+".tmp" with 0600, fsync, rename over path.
func (s *FileStore) Save(st *RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Version == "" {
		st.Version = runtimeStateVersion
	}
	st.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lockFile.Close()
	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	// Rename preserves the tmp file's 0600, but make it explicit.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to tighten state file permissions", "error", err)
	}

	s.logger.Debug("runtime state saved", "path", s.path, "pid", st.PID)
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp over state: %w", err)
	}
	return nil
}

// Clear removes the runtime record, for clean shutdowns and stale-state
// cleanup. A missing file is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove runtime state: %w", err)
	}
	return nil
}

// Exists reports whether a runtime record is on disk.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path reports where the store reads and writes.
func (s *FileStore) Path() string {
	return s.path
}
