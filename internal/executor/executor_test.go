package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events/bus"
	"github.com/herdctl/herdctl/internal/message"
	"github.com/herdctl/herdctl/internal/runtime"
	"github.com/herdctl/herdctl/internal/state"
	"github.com/herdctl/herdctl/pkg/claudecode"
)

// script is what one fake runtime invocation does.
type script struct {
	records  []any
	failErr  error
	initErr  error
	blockCtx bool // emit nothing; wait for cancellation
}

// fakeRuntime replays scripts in call order and records every request.
type fakeRuntime struct {
	mu       sync.Mutex
	scripts  []script
	requests []runtime.Request
}

func (f *fakeRuntime) Run(ctx context.Context, req runtime.Request) (*runtime.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var sc script
	if len(f.scripts) > 0 {
		sc = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.mu.Unlock()

	if sc.initErr != nil {
		return nil, sc.initErr
	}

	stream := runtime.NewStream(16)
	go func() {
		defer stream.Close()
		if sc.blockCtx {
			<-ctx.Done()
			stream.Fail(ctx.Err())
			return
		}
		for _, rec := range sc.records {
			if !stream.Emit(ctx, rec) {
				return
			}
		}
		if sc.failErr != nil {
			stream.Fail(sc.failErr)
		}
	}()
	return stream, nil
}

func (f *fakeRuntime) calls() []runtime.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Request(nil), f.requests...)
}

// Wrap implements runtime.Decorator: every agent runs on the fake.
func (f *fakeRuntime) Wrap(runtime.Runtime, *config.Agent) runtime.Runtime { return f }

func testAgent() *config.Agent {
	return &config.Agent{
		Name:           "reviewer",
		Prompt:         "review things",
		Runtime:        config.RuntimeDirect,
		MaxConcurrent:  1,
		SessionTimeout: 24 * time.Hour,
	}
}

func newTestExecutor(t *testing.T, fake *fakeRuntime) (*Executor, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	log := logger.Default()
	factory := runtime.NewFactory(log, runtime.WithDecorator(fake))
	return New(store, factory, bus.NewMemoryEventBus(log), log), store
}

func initRecord(sessionID string) map[string]any {
	return map[string]any{"type": "system", "subtype": "init", "session_id": sessionID}
}

func assistantRecord(content string) map[string]any {
	return map[string]any{"type": "assistant", "content": content, "partial": false}
}

func readLogLines(t *testing.T, store *state.Store, jobID string) [][]byte {
	t.Helper()
	data, err := os.ReadFile(store.JobLogPath(jobID))
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(data, []byte("\n")), "log must end with a newline")

	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRunSuccess(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{
		initRecord("sess-1"),
		assistantRecord("reviewed everything"),
		map[string]any{"type": "system", "subtype": "complete"},
	}}}}
	exec, store := newTestExecutor(t, fake)

	var startedID string
	result, err := exec.Run(context.Background(), Request{
		Agent:      testAgent(),
		Prompt:     "go",
		OnJobStart: func(id string) { startedID = id },
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, startedID, result.JobID)
	require.Equal(t, "sess-1", result.SessionID)
	require.Equal(t, "reviewed everything", result.Summary)

	job, ok, err := store.ReadJob(result.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.JobCompleted, job.Status)
	require.Equal(t, state.ExitSuccess, job.ExitReason)
	require.Equal(t, state.TriggerManual, job.TriggerType, "trigger defaults to manual")
	require.NotNil(t, job.FinishedAt)
	require.False(t, job.FinishedAt.Before(job.StartedAt))

	// One line per message: the start marker plus the three records.
	lines := readLogLines(t, store, result.JobID)
	require.Len(t, lines, 4)

	rec, ok, err := store.ReadSession("reviewer")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sess-1", rec.SessionID)
	require.Equal(t, 1, rec.JobCount)
}

func TestRunMalformedRecordsNeverAbort(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{
		nil,
		"plain text line",
		map[string]any{"type": 7},
		map[string]any{"type": "telemetry"},
		assistantRecord("survived"),
	}}}}
	exec, store := newTestExecutor(t, fake)

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.True(t, result.Success, "malformed records must not fail the job")
	require.Equal(t, "survived", result.Summary)

	lines := readLogLines(t, store, result.JobID)
	require.Len(t, lines, 6, "start marker plus one line per record, bad ones included")

	var malformed, unknown int
	for _, line := range lines {
		msg, err := message.Decode(line)
		require.NoError(t, err)
		switch msg.Subtype {
		case message.SubtypeMalformedMessage:
			malformed++
		case message.SubtypeUnknownType:
			unknown++
		}
	}
	require.Equal(t, 3, malformed)
	require.Equal(t, 1, unknown)
}

func TestRunResumesValidSession(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{
		initRecord("sess-1"),
		assistantRecord("continued"),
	}}}}
	exec, store := newTestExecutor(t, fake)
	require.NoError(t, store.UpsertSession("reviewer", "sess-1", time.Now().UTC().Add(-time.Hour)))

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.True(t, result.Success)

	calls := fake.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "sess-1", calls[0].ResumeSession)
	require.False(t, calls[0].Fork)

	rec, _, err := store.ReadSession("reviewer")
	require.NoError(t, err)
	require.Equal(t, 2, rec.JobCount)
}

func TestRunNeverResumesLocallyExpiredSession(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{assistantRecord("fresh")}}}}
	exec, store := newTestExecutor(t, fake)
	require.NoError(t, store.UpsertSession("reviewer", "sess-old", time.Now().UTC().Add(-25*time.Hour)))

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.True(t, result.Success)

	calls := fake.calls()
	require.Len(t, calls, 1)
	require.Empty(t, calls[0].ResumeSession, "an expired session must never reach the runtime")

	// The expiry is noted in the job log and the record is gone.
	var noted bool
	for _, line := range readLogLines(t, store, result.JobID) {
		msg, err := message.Decode(line)
		require.NoError(t, err)
		if msg.Subtype == "session_expired" {
			noted = true
		}
	}
	require.True(t, noted)

	_, ok, err := store.ReadSession("reviewer")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunServerSideExpiryRetriesOnce(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{
		{records: []any{map[string]any{"type": "error", "message": "Session expired on server"}}},
		{records: []any{initRecord("sess-2"), assistantRecord("done on retry")}},
	}}
	exec, store := newTestExecutor(t, fake)
	require.NoError(t, store.UpsertSession("reviewer", "sess-1", time.Now().UTC()))

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "sess-2", result.SessionID)

	calls := fake.calls()
	require.Len(t, calls, 2, "expiry is retried exactly once")
	require.Equal(t, "sess-1", calls[0].ResumeSession)
	require.Empty(t, calls[1].ResumeSession, "the retry starts a fresh session")

	var retryNote bool
	for _, line := range readLogLines(t, store, result.JobID) {
		msg, err := message.Decode(line)
		require.NoError(t, err)
		if msg.Subtype == "session_expired" && msg.Content == "Retrying with fresh session" {
			retryNote = true
		}
	}
	require.True(t, retryNote)

	rec, _, err := store.ReadSession("reviewer")
	require.NoError(t, err)
	require.Equal(t, "sess-2", rec.SessionID)
}

func TestRunServerSideExpiryNotRetriedTwice(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{
		{records: []any{map[string]any{"type": "error", "message": "Session expired on server"}}},
		{records: []any{map[string]any{"type": "error", "message": "Session expired on server"}}},
	}}
	exec, store := newTestExecutor(t, fake)
	require.NoError(t, store.UpsertSession("reviewer", "sess-1", time.Now().UTC()))

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, fake.calls(), 2)

	job, _, err := store.ReadJob(result.JobID)
	require.NoError(t, err)
	require.Equal(t, state.JobFailed, job.Status)
}

func TestRunExternalSessionIDPassesThrough(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{assistantRecord("ok")}}}}
	exec, store := newTestExecutor(t, fake)
	require.NoError(t, store.UpsertSession("reviewer", "sess-agent", time.Now().UTC()))

	_, err := exec.Run(context.Background(), Request{
		Agent:         testAgent(),
		Prompt:        "go",
		ResumeSession: "sess-thread-7",
	})
	require.NoError(t, err)

	calls := fake.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "sess-thread-7", calls[0].ResumeSession,
		"ids owned by external session managers pass through verbatim")

	// The agent record is untouched.
	rec, _, err := store.ReadSession("reviewer")
	require.NoError(t, err)
	require.Equal(t, "sess-agent", rec.SessionID)
}

func TestRunFork(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{
		initRecord("sess-fork"),
		assistantRecord("branched"),
	}}}}
	exec, store := newTestExecutor(t, fake)

	result, err := exec.Run(context.Background(), Request{
		Agent:      testAgent(),
		Prompt:     "go",
		ForkSource: "sess-base",
		ForkedFrom: "job-2026-01-01-aaaaaaaa",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	calls := fake.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "sess-base", calls[0].ResumeSession)
	require.True(t, calls[0].Fork)

	job, _, err := store.ReadJob(result.JobID)
	require.NoError(t, err)
	require.Equal(t, state.TriggerFork, job.TriggerType)
	require.Equal(t, "job-2026-01-01-aaaaaaaa", job.ForkedFrom)
}

func TestRunErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		errText    string
		exitReason string
		status     string
	}{
		{name: "timeout", errText: "request timeout after 30s", exitReason: state.ExitTimeout, status: state.JobFailed},
		{name: "max turns", errText: "maximum turns exceeded", exitReason: state.ExitMaxTurns, status: state.JobFailed},
		{name: "abort", errText: "user abort", exitReason: state.ExitCancelled, status: state.JobCancelled},
		{name: "generic", errText: "something broke", exitReason: state.ExitError, status: state.JobFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRuntime{scripts: []script{{records: []any{
				map[string]any{"type": "error", "message": tt.errText},
			}}}}
			exec, store := newTestExecutor(t, fake)

			result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
			require.NoError(t, err)
			require.False(t, result.Success)
			require.Equal(t, tt.errText, result.Error)

			job, _, err := store.ReadJob(result.JobID)
			require.NoError(t, err)
			require.Equal(t, tt.status, job.Status)
			require.Equal(t, tt.exitReason, job.ExitReason)
		})
	}
}

func TestRunCancellation(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{blockCtx: true}}}
	exec, store := newTestExecutor(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := exec.Run(ctx, Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.False(t, result.Success)

	job, _, err := store.ReadJob(result.JobID)
	require.NoError(t, err)
	require.Equal(t, state.JobCancelled, job.Status)
	require.Equal(t, state.ExitCancelled, job.ExitReason)
}

func TestRunInitErrorCLINotFound(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{
		initErr: fmt.Errorf("%w: %q", claudecode.ErrCLINotFound, "claude"),
	}}}
	exec, store := newTestExecutor(t, fake)

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.NotNil(t, result.ErrorDetails)
	require.Equal(t, runtime.CodeCLINotFound, result.ErrorDetails.Code)

	job, _, err := store.ReadJob(result.JobID)
	require.NoError(t, err)
	require.Equal(t, state.JobFailed, job.Status)
}

func TestRunRecoverableErrorFlag(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{
		map[string]any{"type": "error", "message": "rate limit exceeded, retry later"},
	}}}}
	exec, _ := newTestExecutor(t, fake)

	result, err := exec.Run(context.Background(), Request{Agent: testAgent(), Prompt: "go"})
	require.NoError(t, err)
	require.NotNil(t, result.ErrorDetails)
	require.True(t, result.ErrorDetails.Recoverable)
}

func TestRunCallbacksAndHumanLog(t *testing.T) {
	fake := &fakeRuntime{scripts: []script{{records: []any{
		assistantRecord("visible progress"),
	}}}}
	exec, store := newTestExecutor(t, fake)

	var seen []string
	result, err := exec.Run(context.Background(), Request{
		Agent:         testAgent(),
		Prompt:        "go",
		WriteHumanLog: true,
		OnMessage: func(m *message.Message) {
			seen = append(seen, m.Type)
			if len(seen) == 1 {
				panic("callback panic must not abort the job")
			}
		},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, seen)

	data, err := os.ReadFile(store.JobOutputDir(result.JobID) + "/output.log")
	require.NoError(t, err)
	require.Contains(t, string(data), "visible progress")
}
