package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/logger"
)

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

func TestTailerEmitsEachRecordOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	appendLines(t, path, `{"type":"system","subtype":"init"}`, `{"type":"assistant","content":"hi"}`)

	tailer := NewTailer(dir, time.Now(), logger.Default())
	tailer.settle = 20 * time.Millisecond

	childExited := make(chan struct{})
	var got []any
	done := make(chan error, 1)
	go func() {
		done <- tailer.Tail(context.Background(), childExited, func(raw any) bool {
			got = append(got, raw)
			return true
		})
	}()

	// Give the tailer time to read the existing lines, append more, then let
	// the child exit so the final flush runs.
	time.Sleep(150 * time.Millisecond)
	appendLines(t, path, `{"type":"assistant","content":"more"}`, "", `{"type":"system","subtype":"end"}`)
	time.Sleep(100 * time.Millisecond)
	close(childExited)

	require.NoError(t, <-done)
	require.Len(t, got, 4, "blank lines skipped, each record exactly once")

	first, ok := got[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "system", first["type"])
}

func TestTailerNonJSONLinesPassThroughRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	appendLines(t, path, "not json at all")

	tailer := NewTailer(dir, time.Now(), logger.Default())
	tailer.settle = 20 * time.Millisecond

	childExited := make(chan struct{})
	close(childExited)

	var got []any
	err := tailer.Tail(context.Background(), childExited, func(raw any) bool {
		got = append(got, raw)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []any{"not json at all"}, got)
}

func TestTailerPicksNewestLog(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	appendLines(t, old, `{"stale":true}`)
	// Backdate the old log so only the new one qualifies.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	current := filepath.Join(dir, "current.jsonl")
	appendLines(t, current, `{"type":"assistant"}`)

	tailer := NewTailer(dir, time.Now().Add(-time.Minute), logger.Default())
	path, err := tailer.discover(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, current, path)
}

func TestTailerDiscoverTimesOut(t *testing.T) {
	tailer := NewTailer(t.TempDir(), time.Now(), logger.Default())
	tailer.discoverTimeout = 50 * time.Millisecond

	_, err := tailer.discover(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no session log appeared")
}

func TestTailerDiscoverStopsWhenChildExits(t *testing.T) {
	childExited := make(chan struct{})
	close(childExited)

	tailer := NewTailer(t.TempDir(), time.Now(), logger.Default())
	_, err := tailer.discover(context.Background(), childExited)
	require.Error(t, err)
	require.Contains(t, err.Error(), "child exited")
}

func TestTailerDiscoverHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tailer := NewTailer(t.TempDir(), time.Now(), logger.Default())
	_, err := tailer.discover(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}
