// Package scheduler continuously evaluates every agent's schedules and
// dispatches due triggers, enforcing per-(agent, schedule) exclusivity and
// per-agent concurrency caps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/executor"
	"github.com/herdctl/herdctl/internal/message"
	"github.com/herdctl/herdctl/internal/state"
)

// Scheduler statuses.
const (
	StatusStopped  = "stopped"
	StatusRunning  = "running"
	StatusStopping = "stopping"
)

// Skip reasons for schedules that did not trigger on a pass.
const (
	SkipUnsupportedType = "unsupported_type"
	SkipDisabled        = "disabled"
	SkipAlreadyRunning  = "already_running"
	SkipAtCapacity      = "at_capacity"
	SkipNotDue          = "not_due"
)

// Cancellation outcomes.
const (
	CancelGraceful       = "graceful"
	CancelForced         = "forced"
	CancelAlreadyStopped = "already_stopped"
)

// Common errors.
var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrJobNotFound    = errors.New("job not found")
)

// ShutdownTimeoutError reports jobs still in flight when a graceful stop
// timed out.
type ShutdownTimeoutError struct {
	RemainingJobs int
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timed out with %d job(s) still running", e.RemainingJobs)
}

// CheckResult is the evaluation of one (agent, schedule) on one pass.
type CheckResult struct {
	Agent    string
	Schedule string
	Due      bool
	// SkipReason is set when Due is false.
	SkipReason string
}

// RunningJob is a read-only view of one in-flight job.
type RunningJob struct {
	JobID     string
	Agent     string
	Schedule  string
	StartedAt time.Time
}

// Status is a read-only scheduler snapshot.
type Status struct {
	Status       string
	StartedAt    time.Time
	CheckCount   int64
	TriggerCount int64
	LastCheckAt  time.Time
	RunningJobs  []RunningJob
}

// jobHandle tracks one in-flight job so it can be awaited and cancelled.
type jobHandle struct {
	jobID     string
	agent     string
	schedule  string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Scheduler drives the trigger loop.
type Scheduler struct {
	exec   *executor.Executor
	store  *state.Store
	logger *logger.Logger
	config config.SchedulerConfig

	// agents is the immutable snapshot; SetAgents swaps it atomically and
	// the next pass picks it up.
	agents atomic.Value // []*config.Agent

	workSources map[string]WorkSource

	mu           sync.Mutex
	status       string
	startedAt    time.Time
	checkCount   int64
	triggerCount int64
	lastCheckAt  time.Time
	runningSet   map[string]map[string]bool // agent -> schedule names
	runningJobs  map[string]*jobHandle      // job id -> handle
	agentJobs    map[string]int             // agent -> in-flight count

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	loopWG     sync.WaitGroup
	jobWG      sync.WaitGroup
}

// New creates a scheduler over the given agents.
func New(exec *executor.Executor, store *state.Store, cfg config.SchedulerConfig, agents []*config.Agent, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		exec:        exec,
		store:       store,
		logger:      log.WithFields(zap.String("component", "scheduler")),
		config:      cfg,
		workSources: make(map[string]WorkSource),
		status:      StatusStopped,
		runningSet:  make(map[string]map[string]bool),
		runningJobs: make(map[string]*jobHandle),
		agentJobs:   make(map[string]int),
	}
	s.agents.Store(agents)
	return s
}

// RegisterWorkSource makes a work source available to schedules referencing
// it by name. Must be called before Start.
func (s *Scheduler) RegisterWorkSource(name string, ws WorkSource) {
	s.workSources[name] = ws
}

// SetAgents swaps the agent snapshot. In-flight jobs finish against the old
// snapshot; the next pass evaluates the new one.
func (s *Scheduler) SetAgents(agents []*config.Agent) {
	s.agents.Store(agents)
	s.logger.Info("agent snapshot replaced", zap.Int("agents", len(agents)))
}

func (s *Scheduler) agentSnapshot() []*config.Agent {
	agents, _ := s.agents.Load().([]*config.Agent)
	return agents
}

// Start launches the check loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.status = StatusRunning
	s.startedAt = time.Now().UTC()
	s.stopCh = make(chan struct{})
	s.rootCtx, s.rootCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("check_interval", s.config.CheckIntervalDuration()))

	s.loopWG.Add(1)
	go s.checkLoop()
	return nil
}

// checkLoop is the main loop: one pass over every schedule, then an
// interruptible sleep.
func (s *Scheduler) checkLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.CheckIntervalDuration())
	defer ticker.Stop()

	// First pass immediately; never-run schedules should not wait a full
	// interval.
	s.checkAll()

	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkAll()
		}
	}
}

// checkAll evaluates every schedule of every agent once and launches the
// due ones.
func (s *Scheduler) checkAll() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.checkCount++
	s.lastCheckAt = now
	s.mu.Unlock()

	for _, agent := range s.agentSnapshot() {
		for i := range agent.Schedules {
			sched := &agent.Schedules[i]
			result := s.check(agent, sched, now)
			if !result.Due {
				continue
			}
			s.launch(agent, sched)
		}
	}
}

// check evaluates one (agent, schedule). A schedule triggers iff its type
// is scheduler-driven, it is not disabled, nothing for the pair is already
// in flight, the agent has concurrency headroom and next_run_at has passed
// (or was never set).
func (s *Scheduler) check(agent *config.Agent, sched *config.Schedule, now time.Time) CheckResult {
	result := CheckResult{Agent: agent.Name, Schedule: sched.Name}

	if sched.Type != config.TriggerInterval && sched.Type != config.TriggerCron {
		result.SkipReason = SkipUnsupportedType
		return result
	}

	st, err := s.store.ReadScheduleState(agent.Name, sched.Name)
	if err != nil {
		s.logger.Warn("reading schedule state",
			zap.String("agent", agent.Name),
			zap.String("schedule", sched.Name),
			zap.Error(err))
		result.SkipReason = SkipNotDue
		return result
	}
	if st.Status == state.ScheduleDisabled {
		result.SkipReason = SkipDisabled
		return result
	}

	s.mu.Lock()
	alreadyRunning := s.runningSet[agent.Name][sched.Name]
	atCapacity := s.agentJobs[agent.Name] >= maxConcurrent(agent)
	s.mu.Unlock()

	if alreadyRunning {
		result.SkipReason = SkipAlreadyRunning
		return result
	}
	if atCapacity {
		result.SkipReason = SkipAtCapacity
		return result
	}
	if st.NextRunAt != nil && st.NextRunAt.After(now) {
		result.SkipReason = SkipNotDue
		return result
	}

	result.Due = true
	return result
}

func maxConcurrent(agent *config.Agent) int {
	if agent.MaxConcurrent <= 0 {
		return 1
	}
	return agent.MaxConcurrent
}

// launch runs the schedule runner for a due trigger in its own goroutine.
// Runner errors are logged, never propagated to the loop.
func (s *Scheduler) launch(agent *config.Agent, sched *config.Schedule) {
	s.mu.Lock()
	if s.runningSet[agent.Name] == nil {
		s.runningSet[agent.Name] = make(map[string]bool)
	}
	s.runningSet[agent.Name][sched.Name] = true
	s.agentJobs[agent.Name]++
	s.triggerCount++
	s.mu.Unlock()

	s.jobWG.Add(1)
	go func() {
		defer s.jobWG.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runningSet[agent.Name], sched.Name)
			s.agentJobs[agent.Name]--
			s.mu.Unlock()
		}()

		if err := s.runSchedule(s.rootCtx, agent, sched); err != nil {
			s.logger.Error("schedule run failed",
				zap.String("agent", agent.Name),
				zap.String("schedule", sched.Name),
				zap.Error(err))
		}
	}()
}

// TriggerAgent runs a manual job for the named agent, outside any schedule.
// It still counts against the agent's concurrency and is cancellable by job
// id. Blocks until the job finishes. onMessage, when non-nil, receives every
// processed message in order.
func (s *Scheduler) TriggerAgent(ctx context.Context, agentName, prompt string, onMessage func(*message.Message)) (*executor.RunResult, error) {
	var agent *config.Agent
	for _, a := range s.agentSnapshot() {
		if a.Name == agentName {
			agent = a
			break
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}
	if prompt == "" {
		prompt = agent.Prompt
	}

	s.mu.Lock()
	if s.agentJobs[agentName] >= maxConcurrent(agent) {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %q is at its concurrency limit", agentName)
	}
	s.agentJobs[agentName]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.agentJobs[agentName]--
		s.mu.Unlock()
	}()

	s.jobWG.Add(1)
	defer s.jobWG.Done()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &jobHandle{agent: agentName, startedAt: time.Now().UTC(), cancel: cancel, done: make(chan struct{})}
	defer close(handle.done)

	return s.exec.Run(jobCtx, executor.Request{
		Agent:       agent,
		Prompt:      prompt,
		TriggerType: state.TriggerManual,
		OnJobStart:  func(jobID string) { s.trackJob(handle, jobID) },
		OnMessage:   onMessage,
	})
}

// trackJob registers a handle once the executor assigned the job id.
func (s *Scheduler) trackJob(handle *jobHandle, jobID string) {
	handle.jobID = jobID
	s.mu.Lock()
	s.runningJobs[jobID] = handle
	s.mu.Unlock()
	go func() {
		<-handle.done
		s.mu.Lock()
		delete(s.runningJobs, jobID)
		s.mu.Unlock()
	}()
}

// CancelJob cancels a running job: graceful first, forced when the runtime
// has not stopped within timeout.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	handle, ok := s.runningJobs[jobID]
	s.mu.Unlock()

	if !ok {
		job, exists, err := s.store.ReadJob(jobID)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", ErrJobNotFound
		}
		if job.IsTerminal() {
			return CancelAlreadyStopped, nil
		}
		// Known on disk but not in memory: a previous supervisor's orphan.
		return "", fmt.Errorf("job %s is not managed by this supervisor", jobID)
	}

	handle.cancel()
	select {
	case <-handle.done:
		return CancelGraceful, nil
	case <-time.After(timeout):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// The runtime ignored graceful termination: record the terminal state
	// ourselves and abandon the job goroutine. Its own finalize, if it ever
	// runs, writes the same cancelled outcome.
	s.forceTerminate(jobID)
	return CancelForced, nil
}

func (s *Scheduler) forceTerminate(jobID string) {
	job, ok, err := s.store.ReadJob(jobID)
	if err != nil || !ok || job.IsTerminal() {
		return
	}
	finished := time.Now().UTC()
	duration := finished.Sub(job.StartedAt).Seconds()
	job.Status = state.JobCancelled
	job.ExitReason = state.ExitCancelled
	job.FinishedAt = &finished
	job.DurationSeconds = &duration
	job.Error = "job forcibly terminated"
	if err := s.store.WriteJob(job); err != nil {
		s.logger.Error("writing forced cancellation", zap.String("job_id", jobID), zap.Error(err))
	}
}

// StopOptions controls graceful shutdown.
type StopOptions struct {
	WaitForJobs bool
	Timeout     time.Duration
}

// Stop halts the check loop and optionally waits for in-flight jobs. When
// the wait times out a ShutdownTimeoutError carrying the remaining count is
// returned; the scheduler is stopped regardless.
func (s *Scheduler) Stop(opts StopOptions) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.status = StatusStopping
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWG.Wait()

	var stopErr error
	if opts.WaitForJobs {
		done := make(chan struct{})
		go func() {
			s.jobWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(opts.Timeout):
			s.mu.Lock()
			remaining := len(s.runningJobs)
			s.mu.Unlock()
			if remaining == 0 {
				// Handles drained between the timeout and the count.
				remaining = 1
			}
			stopErr = &ShutdownTimeoutError{RemainingJobs: remaining}
		}
	}

	// Cancel whatever is left so abandoned jobs terminate.
	s.rootCancel()

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return stopErr
}

// Status returns a read-only snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Status:       s.status,
		StartedAt:    s.startedAt,
		CheckCount:   s.checkCount,
		TriggerCount: s.triggerCount,
		LastCheckAt:  s.lastCheckAt,
	}
	for _, h := range s.runningJobs {
		st.RunningJobs = append(st.RunningJobs, RunningJob{
			JobID:     h.jobID,
			Agent:     h.agent,
			Schedule:  h.schedule,
			StartedAt: h.startedAt,
		})
	}
	return st
}

// IsRunning reports whether the check loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}
