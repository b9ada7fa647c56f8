// Package state provides durable, crash-safe persistence for every herdctl
// entity under a single state root directory. Writes go through a temp file
// and an atomic rename so readers never observe torn content.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Well-known paths under the state root.
const (
	fleetStateFile = "state.yaml"
	pidFile        = "herdctl.pid"
	jobsDir        = "jobs"
	sessionsDir    = "sessions"
	schedulesDir   = "schedules"
	// DockerSessionsDir holds session log files written by containerized
	// runtimes, mirrored to the host through a bind mount.
	DockerSessionsDir = "docker-sessions"
)

// renameRetries bounds the exponential backoff used when a rename fails due
// to platform file locking (Windows EACCES/EPERM).
const (
	renameRetries   = 5
	renameBaseDelay = 10 * time.Millisecond
)

// Store provides file-backed persistence rooted at a state directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating the directory tree.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"", jobsDir, sessionsDir, schedulesDir, DockerSessionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

// Root returns the state root directory.
func (s *Store) Root() string { return s.root }

// WriteFile writes data to path atomically: a sibling temp file is written,
// synced and renamed onto the target. Crashing mid-write leaves either the
// prior content or the full new content.
func (s *Store) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString()[:8])
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", path, err)
	}

	// Bounded exponential backoff: on Windows the destination can be held
	// open by a concurrent reader, failing the rename transiently.
	delay := renameBaseDelay
	for attempt := 0; ; attempt++ {
		err = os.Rename(tmp, path)
		if err == nil {
			return nil
		}
		if attempt >= renameRetries || !isRetryableRename(err) {
			os.Remove(tmp)
			return fmt.Errorf("replacing %s: %w", path, err)
		}
		time.Sleep(delay)
		delay *= 2
	}
}

func isRetryableRename(err error) bool {
	return errors.Is(err, os.ErrPermission) || os.IsExist(err)
}

// ReadFile reads path. The second return value is false when the file does
// not exist yet, which is normal for first-time reads and not an error.
func (s *Store) ReadFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, true, nil
}

// AppendLine appends one self-contained record line to path, including the
// trailing newline.
func (s *Store) AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// Remove deletes path, tolerating a file that is already gone.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// NewJobID generates a job identifier of the form
// job-YYYY-MM-DD-<random suffix>.
func NewJobID(now time.Time) string {
	suffix := uuid.NewString()
	suffix = suffix[:8]
	return fmt.Sprintf("job-%s-%s", now.UTC().Format("2006-01-02"), suffix)
}
