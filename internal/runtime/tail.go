package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/logger"
)

// Tailing timing defaults.
const (
	// discoverPollInterval is how often the tailer rescans the session
	// directory while waiting for the provider to create its log file.
	discoverPollInterval = 100 * time.Millisecond
	// discoverGrace tolerates the provider creating the file shortly
	// after spawn.
	discoverGrace = 500 * time.Millisecond
	// defaultSettle is the write-settle debounce applied to filesystem
	// events before re-reading the file.
	defaultSettle = 500 * time.Millisecond
	// defaultDiscoverTimeout bounds how long the tailer waits for the log
	// file before giving up.
	defaultDiscoverTimeout = 15 * time.Second
)

// Tailer follows a provider session log file: it discovers the newest
// matching file created after a spawn time, then yields each appended JSON
// record exactly once, in order.
type Tailer struct {
	dir             string
	after           time.Time
	settle          time.Duration
	discoverTimeout time.Duration
	logger          *logger.Logger

	path  string
	lines int // records already emitted; change events never re-emit them
}

// NewTailer creates a tailer over dir for a child spawned at `after`.
func NewTailer(dir string, after time.Time, log *logger.Logger) *Tailer {
	return &Tailer{
		dir:             dir,
		after:           after.Add(-discoverGrace),
		settle:          defaultSettle,
		discoverTimeout: defaultDiscoverTimeout,
		logger:          log.WithFields(zap.String("component", "log-tailer")),
	}
}

// discover finds the newest session log file modified after the spawn time,
// polling until it appears, the child exits or the discovery timeout lapses.
func (t *Tailer) discover(ctx context.Context, childExited <-chan struct{}) (string, error) {
	deadline := time.NewTimer(t.discoverTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(discoverPollInterval)
	defer ticker.Stop()

	for {
		if path := t.newestLog(); path != "" {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-childExited:
			// One last look: the file may have been created between the
			// previous scan and child exit.
			if path := t.newestLog(); path != "" {
				return path, nil
			}
			return "", fmt.Errorf("child exited before a session log appeared in %s", t.dir)
		case <-deadline.C:
			return "", fmt.Errorf("no session log appeared in %s within %s", t.dir, t.discoverTimeout)
		case <-ticker.C:
		}
	}
}

func (t *Tailer) newestLog() string {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(t.after) {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(t.dir, entry.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}

// Tail discovers the log file and emits each appended record until the
// child exits, then performs a final flush read so records written between
// the last watcher event and child exit are not lost. emit returning false
// aborts tailing (consumer cancelled).
func (t *Tailer) Tail(ctx context.Context, childExited <-chan struct{}, emit func(any) bool) error {
	path, err := t.discover(ctx, childExited)
	if err != nil {
		return err
	}
	t.path = path
	t.logger.Debug("tailing session log", zap.String("path", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(t.dir); err != nil {
		return fmt.Errorf("watching %s: %w", t.dir, err)
	}

	// Initial read catches records written before the watch began.
	if err := t.flush(emit); err != nil {
		return err
	}

	var settleTimer *time.Timer
	var settleC <-chan time.Time
	childDone := childExited

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-childDone:
			// Let one settle window drain, then flush whatever remains.
			if settleTimer != nil {
				settleTimer.Stop()
			}
			return t.flush(emit)

		case event, ok := <-watcher.Events:
			if !ok {
				return t.flush(emit)
			}
			if event.Name != t.path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			// Debounce: reset the settle timer on every write so a burst
			// of appends is read once.
			if settleTimer == nil {
				settleTimer = time.NewTimer(t.settle)
				settleC = settleTimer.C
			} else {
				if !settleTimer.Stop() {
					select {
					case <-settleTimer.C:
					default:
					}
				}
				settleTimer.Reset(t.settle)
			}

		case <-settleC:
			settleTimer = nil
			settleC = nil
			if err := t.flush(emit); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			t.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// flush reads records beyond the last emitted line and yields each one.
func (t *Tailer) flush(emit func(any) bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxSessionLine)
	line := 0
	for scanner.Scan() {
		line++
		if line <= t.lines {
			continue
		}
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			t.lines = line
			continue
		}
		var raw any
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			raw = text
		}
		if !emit(raw) {
			return nil
		}
		t.lines = line
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading session log: %w", err)
	}
	return nil
}

const maxSessionLine = 16 * 1024 * 1024
