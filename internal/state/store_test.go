package state

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestNewStoreCreatesTree(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "nested", "state")
	_, err := NewStore(root)
	require.NoError(t, err)

	for _, sub := range []string{"jobs", "sessions", "schedules", "docker-sessions"} {
		info, err := os.Stat(filepath.Join(root, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestWriteFileAtomicReplace(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Root(), "file.yaml")

	require.NoError(t, store.WriteFile(path, []byte("first")))
	require.NoError(t, store.WriteFile(path, []byte("second")))

	data, ok, err := store.ReadFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", string(data))

	// No temp files are left behind.
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestReadFileMissing(t *testing.T) {
	store := newTestStore(t)
	data, ok, err := store.ReadFile(filepath.Join(store.Root(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, data)
}

func TestAppendLineAlwaysTerminates(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Root(), "log.jsonl")

	require.NoError(t, store.AppendLine(path, []byte(`{"a":1}`)))
	require.NoError(t, store.AppendLine(path, []byte(`{"b":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(data))
}

func TestNewJobIDFormat(t *testing.T) {
	now := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	pattern := regexp.MustCompile(`^job-2026-08-24-[0-9a-f-]{8}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewJobID(now)
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "duplicate job id %s", id)
		seen[id] = true
	}
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	started := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	finished := started.Add(42 * time.Second)
	duration := finished.Sub(started).Seconds()

	job := &Job{
		ID:              "job-2026-08-24-deadbeef",
		Agent:           "reviewer",
		TriggerType:     TriggerSchedule,
		Schedule:        "nightly",
		Status:          JobCompleted,
		ExitReason:      ExitSuccess,
		SessionID:       "sess-1",
		StartedAt:       started,
		FinishedAt:      &finished,
		DurationSeconds: &duration,
		Prompt:          "review open PRs",
		Summary:         "reviewed 3 PRs",
		OutputPath:      store.JobLogPath("job-2026-08-24-deadbeef"),
	}
	require.NoError(t, store.WriteJob(job))

	got, ok, err := store.ReadJob(job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job, got)
	require.True(t, got.IsTerminal())
	require.False(t, got.FinishedAt.Before(got.StartedAt), "finished_at must not precede started_at")
}

func TestReadJobMissing(t *testing.T) {
	store := newTestStore(t)
	job, ok, err := store.ReadJob("job-2026-01-01-absent00")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, job)
}

func TestListJobsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"job-a", "job-b", "job-c"} {
		require.NoError(t, store.WriteJob(&Job{
			ID:          id,
			Agent:       "a1",
			TriggerType: TriggerManual,
			Status:      JobCompleted,
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
		}))
	}

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "job-c", jobs[0].ID)
	require.Equal(t, "job-a", jobs[2].ID)
}

func TestIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		JobPending:   false,
		JobRunning:   false,
		JobCompleted: true,
		JobFailed:    true,
		JobCancelled: true,
	} {
		require.Equal(t, terminal, (&Job{Status: status}).IsTerminal(), "status %s", status)
	}
}

func TestAppendHumanLog(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)

	require.NoError(t, store.AppendHumanLog("job-x", now, "agent started"))

	data, err := os.ReadFile(filepath.Join(store.JobOutputDir("job-x"), "output.log"))
	require.NoError(t, err)
	require.Equal(t, "[2026-08-24T10:30:00Z] agent started\n", string(data))
}
