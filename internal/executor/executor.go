// Package executor runs exactly one job end-to-end: create the pending
// record, resolve which session to resume, stream runtime output through
// the message processor into the job log, and finalize the job and session
// records.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/bridge"
	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/events/bus"
	"github.com/herdctl/herdctl/internal/message"
	"github.com/herdctl/herdctl/internal/runtime"
	"github.com/herdctl/herdctl/internal/state"
	"github.com/herdctl/herdctl/pkg/claudecode"
)

// Request describes one job execution.
type Request struct {
	Agent  *config.Agent
	Prompt string

	// TriggerType defaults to manual. Overridden to fork when ForkSource
	// is set.
	TriggerType string
	// Schedule is the owning schedule name for scheduled jobs.
	Schedule string

	// ResumeSession continues the given provider session. When empty, the
	// agent's persisted session record is used if it is still locally
	// valid.
	ResumeSession string
	// ForkSource branches a new session off the given session id.
	ForkSource string
	// ForkedFrom records the job the fork originated from.
	ForkedFrom string

	// OnJobStart is invoked once with the job id as soon as the pending
	// record exists, before execution begins.
	OnJobStart func(jobID string)
	// OnMessage is invoked for every processed message. Panics and errors
	// in the callback never abort the job.
	OnMessage func(*message.Message)
	// WriteHumanLog additionally emits readable lines to the job's
	// output.log.
	WriteHumanLog bool

	// InjectedServers are in-process tool servers exposed to the agent.
	InjectedServers []*bridge.ServerDefinition
}

// ErrorDetails captures the terminal error of a failed job.
type ErrorDetails struct {
	Message string
	Code    string
	// Recoverable is informational only; the executor never auto-retries
	// on it.
	Recoverable bool
}

// RunResult is the outcome of one job execution.
type RunResult struct {
	JobID           string
	Success         bool
	SessionID       string
	Summary         string
	DurationSeconds float64
	Error           string
	ErrorDetails    *ErrorDetails
}

// Executor owns job execution. It is safe for concurrent use; each Run call
// owns its job exclusively.
type Executor struct {
	store   *state.Store
	factory *runtime.Factory
	bus     bus.EventBus
	logger  *logger.Logger
}

// New creates an executor.
func New(store *state.Store, factory *runtime.Factory, eventBus bus.EventBus, log *logger.Logger) *Executor {
	return &Executor{
		store:   store,
		factory: factory,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "executor")),
	}
}

// Run executes one job. The returned RunResult is non-nil whenever a job
// record was created, including on failures; the error covers only state
// store faults that prevented the job from being recorded at all.
func (e *Executor) Run(ctx context.Context, req Request) (*RunResult, error) {
	agent := req.Agent
	now := time.Now().UTC()

	job := &state.Job{
		ID:          state.NewJobID(now),
		Agent:       agent.Name,
		Schedule:    req.Schedule,
		TriggerType: req.TriggerType,
		Status:      state.JobPending,
		StartedAt:   now,
		Prompt:      req.Prompt,
	}
	if job.TriggerType == "" {
		job.TriggerType = state.TriggerManual
	}
	if req.ForkSource != "" {
		job.TriggerType = state.TriggerFork
		job.ForkedFrom = req.ForkedFrom
	}
	job.OutputPath = e.store.JobLogPath(job.ID)
	if err := e.store.WriteJob(job); err != nil {
		return nil, err
	}
	if req.OnJobStart != nil {
		req.OnJobStart(job.ID)
	}

	log := e.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("agent", agent.Name),
	)

	resume, fork, err := e.resolveSession(req, job, now)
	if err != nil {
		return e.finalize(job, nil, nil, err, req), nil
	}

	job.Status = state.JobRunning
	if err := e.store.WriteJob(job); err != nil {
		return nil, err
	}
	e.appendMessage(job, req, message.NewSystem("start",
		fmt.Sprintf("job %s started", job.ID)))
	e.publish(bus.JobStarted, job, nil)
	log.Info("job started", zap.String("trigger", job.TriggerType))

	result := e.attempt(ctx, req, job, resume, fork)

	// Server-side session expiry: retried exactly once, without resume.
	if resume != "" && isSessionExpired(result) {
		log.Info("session expired on server, retrying with fresh session")
		if err := e.store.ClearSession(agent.Name); err != nil {
			log.Warn("clearing expired session", zap.Error(err))
		}
		e.appendMessage(job, req, message.NewSystem("session_expired",
			"Retrying with fresh session"))
		result = e.attempt(ctx, req, job, "", false)
	}

	return e.finalize(job, result.lastAssistant, result.errorMsg, result.streamErr, req,
		withSessionID(result.sessionID), withCancelled(ctx.Err() != nil)), nil
}

// resolveSession decides what session id, if any, is passed to the runtime.
// Caller-supplied ids that do not match the agent record pass through
// verbatim (per-thread session managers own them). The agent-level record is
// used only while locally valid; an expired record is cleared and noted in
// the job log.
func (e *Executor) resolveSession(req Request, job *state.Job, now time.Time) (string, bool, error) {
	if req.ForkSource != "" {
		return req.ForkSource, true, nil
	}

	agent := req.Agent
	rec, ok, err := e.store.ReadSession(agent.Name)
	if err != nil {
		return "", false, err
	}

	resume := req.ResumeSession
	if resume != "" {
		if !ok || rec.SessionID != resume {
			// External id; pass through untouched.
			return resume, false, nil
		}
	} else {
		if !ok {
			return "", false, nil
		}
		resume = rec.SessionID
	}

	timeout := agent.SessionTimeout
	if timeout <= 0 {
		timeout = config.DefaultSessionTimeout
	}
	if !rec.LocallyValid(now, timeout) {
		if err := e.store.ClearSession(agent.Name); err != nil {
			return "", false, err
		}
		e.appendMessage(job, req, message.NewSystem("session_expired",
			fmt.Sprintf("session %s expired locally, starting fresh", resume)))
		return "", false, nil
	}

	// Refresh before starting so a long job cannot retroactively expire
	// its own session.
	rec.LastUsedAt = now
	if err := e.store.WriteSession(rec); err != nil {
		return "", false, err
	}
	return resume, false, nil
}

// attemptResult is what one runtime invocation produced.
type attemptResult struct {
	sessionID     string
	lastAssistant *message.Message
	errorMsg      *message.Message
	streamErr     error
}

func (e *Executor) attempt(ctx context.Context, req Request, job *state.Job, resume string, fork bool) attemptResult {
	rt := e.factory.For(req.Agent)
	stream, err := rt.Run(ctx, runtime.Request{
		Prompt:          req.Prompt,
		Agent:           req.Agent,
		ResumeSession:   resume,
		Fork:            fork,
		InjectedServers: req.InjectedServers,
	})
	if err != nil {
		code := ""
		if errors.Is(err, claudecode.ErrCLINotFound) {
			code = runtime.CodeCLINotFound
		}
		errMsg := message.NewError(err.Error(), code)
		e.appendMessage(job, req, errMsg)
		return attemptResult{errorMsg: errMsg, streamErr: err}
	}

	var res attemptResult
	for raw := range stream.Events() {
		p := message.Process(raw)
		e.appendMessage(job, req, p.Message)

		if p.SessionID != "" {
			res.sessionID = p.SessionID
		}
		switch p.Message.Type {
		case message.TypeAssistant:
			res.lastAssistant = p.Message
		case message.TypeError:
			res.errorMsg = p.Message
		}
	}
	res.streamErr = stream.Err()
	return res
}

// appendMessage writes one message to the job log and fans it out to the
// callback, the optional human log and the event bus. Log append failures
// are logged, not fatal; the stream must keep draining.
func (e *Executor) appendMessage(job *state.Job, req Request, msg *message.Message) {
	line, err := msg.Encode()
	if err != nil {
		e.logger.Error("encoding message", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := e.store.AppendJobMessage(job.ID, line); err != nil {
		e.logger.Error("appending message", zap.String("job_id", job.ID), zap.Error(err))
	}

	if req.WriteHumanLog {
		if text := humanLine(msg); text != "" {
			if err := e.store.AppendHumanLog(job.ID, msg.Timestamp, text); err != nil {
				e.logger.Warn("appending human log", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}

	if req.OnMessage != nil {
		e.invokeCallback(req.OnMessage, msg)
	}
	e.publish(bus.JobMessage, job, map[string]any{"message": msg})
}

// invokeCallback shields the job from misbehaving callbacks.
func (e *Executor) invokeCallback(cb func(*message.Message), msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("message callback panicked", zap.Any("panic", r))
		}
	}()
	cb(msg)
}

type finalizeOption func(*finalizeState)

type finalizeState struct {
	sessionID string
	cancelled bool
}

func withSessionID(id string) finalizeOption {
	return func(s *finalizeState) { s.sessionID = id }
}

func withCancelled(cancelled bool) finalizeOption {
	return func(s *finalizeState) { s.cancelled = cancelled }
}

// finalize classifies the terminal condition, writes the terminal job
// record, upserts the session record and builds the RunResult.
func (e *Executor) finalize(job *state.Job, lastAssistant, errorMsg *message.Message, streamErr error, req Request, opts ...finalizeOption) *RunResult {
	var fs finalizeState
	for _, opt := range opts {
		opt(&fs)
	}

	finished := time.Now().UTC()
	duration := finished.Sub(job.StartedAt).Seconds()

	errText := ""
	errCode := ""
	switch {
	case errorMsg != nil:
		errText = errorMsg.ErrorMessage
		errCode = errorMsg.Code
	case streamErr != nil:
		errText = streamErr.Error()
	}

	exitReason := state.ExitSuccess
	status := state.JobCompleted
	if fs.cancelled || errors.Is(streamErr, context.Canceled) || errCode == runtime.CodeCancelled {
		exitReason = state.ExitCancelled
		status = state.JobCancelled
	} else if errText != "" {
		exitReason = classifyError(errText)
		if exitReason == state.ExitCancelled {
			status = state.JobCancelled
		} else {
			status = state.JobFailed
		}
	}

	job.Status = status
	job.ExitReason = exitReason
	job.FinishedAt = &finished
	job.DurationSeconds = &duration
	job.Summary = message.ExtractSummary(lastAssistant)
	job.SessionID = fs.sessionID
	job.Error = errText
	if err := e.store.WriteJob(job); err != nil {
		e.logger.Error("writing terminal job record",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	if fs.sessionID != "" {
		if err := e.store.UpsertSession(job.Agent, fs.sessionID, finished); err != nil {
			e.logger.Error("upserting session",
				zap.String("agent", job.Agent), zap.Error(err))
		}
	}

	result := &RunResult{
		JobID:           job.ID,
		Success:         status == state.JobCompleted,
		SessionID:       fs.sessionID,
		Summary:         job.Summary,
		DurationSeconds: duration,
		Error:           errText,
	}
	if errText != "" {
		result.ErrorDetails = &ErrorDetails{
			Message:     errText,
			Code:        errCode,
			Recoverable: isRecoverable(errText),
		}
	}

	switch status {
	case state.JobCompleted:
		e.publish(bus.JobCompleted, job, map[string]any{"summary": job.Summary})
	case state.JobCancelled:
		e.publish(bus.JobCancelled, job, nil)
	default:
		e.publish(bus.JobFailed, job, map[string]any{"error": errText})
	}
	e.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", status),
		zap.String("exit_reason", exitReason),
		zap.Float64("duration_s", duration))
	return result
}

func (e *Executor) publish(eventType string, job *state.Job, data map[string]any) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, job.Agent, job.ID, data)
	if err := e.bus.Publish(context.Background(), bus.JobSubject(job.Agent, job.ID), event); err != nil {
		e.logger.Warn("publishing event", zap.String("type", eventType), zap.Error(err))
	}
}

// classifyError maps a terminal error message onto an exit reason.
func classifyError(errText string) string {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "timeout"):
		return state.ExitTimeout
	case strings.Contains(lower, "abort"), strings.Contains(lower, "cancel"):
		return state.ExitCancelled
	case strings.Contains(lower, "maximum turns"):
		return state.ExitMaxTurns
	default:
		return state.ExitError
	}
}

func isRecoverable(errText string) bool {
	lower := strings.ToLower(errText)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "retry")
}

// isSessionExpired recognizes the provider's server-side expiry signal.
func isSessionExpired(res attemptResult) bool {
	if res.errorMsg != nil &&
		strings.Contains(strings.ToLower(res.errorMsg.ErrorMessage), "session expired") {
		return true
	}
	return res.streamErr != nil &&
		strings.Contains(strings.ToLower(res.streamErr.Error()), "session expired")
}

// humanLine renders a message for the readable output log. Empty means the
// message is not worth a line.
func humanLine(msg *message.Message) string {
	switch msg.Type {
	case message.TypeAssistant:
		if msg.Partial {
			return ""
		}
		return msg.Content
	case message.TypeSystem:
		if msg.Content == "" {
			return ""
		}
		return fmt.Sprintf("(%s) %s", msg.Subtype, msg.Content)
	case message.TypeToolUse:
		return fmt.Sprintf("tool: %s", msg.ToolName)
	case message.TypeError:
		return fmt.Sprintf("error: %s", msg.ErrorMessage)
	}
	return ""
}
