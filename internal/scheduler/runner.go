package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/executor"
	"github.com/herdctl/herdctl/internal/state"
	"github.com/herdctl/herdctl/internal/trigger"
)

// WorkItem is one unit of work drawn from a work source.
type WorkItem struct {
	ID          string
	Description string
}

// WorkSource is an external queue a schedule can draw items from (issues,
// tickets, review requests). Fetch returning (nil, nil) means no work; the
// schedule run is skipped. Complete and Release report the outcome; Release
// is attempted on orderly failure so the item returns to the queue.
type WorkSource interface {
	Fetch(ctx context.Context, agent, schedule string) (*WorkItem, error)
	Complete(ctx context.Context, item *WorkItem) error
	Release(ctx context.Context, item *WorkItem) error
}

// runSchedule executes one triggered schedule: mark the persisted state
// running, draw work, run the job, report the outcome and write the final
// state with the next run time.
func (s *Scheduler) runSchedule(ctx context.Context, agent *config.Agent, sched *config.Schedule) error {
	log := s.logger.WithFields(
		zap.String("agent", agent.Name),
		zap.String("schedule", sched.Name),
	)
	started := time.Now().UTC()

	st, err := s.store.ReadScheduleState(agent.Name, sched.Name)
	if err != nil {
		return err
	}
	st.Status = state.ScheduleRunning
	if err := s.store.WriteScheduleState(agent.Name, sched.Name, st); err != nil {
		return err
	}

	var item *WorkItem
	if sched.WorkSource != "" {
		ws, ok := s.workSources[sched.WorkSource]
		if !ok {
			return s.finishSchedule(agent, sched, st, started,
				fmt.Errorf("unknown work source %q", sched.WorkSource))
		}
		item, err = ws.Fetch(ctx, agent.Name, sched.Name)
		if err != nil {
			return s.finishSchedule(agent, sched, st, started,
				fmt.Errorf("fetching work: %w", err))
		}
		if item == nil {
			log.Debug("no work available")
			return s.finishSchedule(agent, sched, st, started, nil)
		}
	}

	prompt := sched.Prompt
	if prompt == "" {
		prompt = agent.Prompt
	}
	if item != nil {
		prompt = fmt.Sprintf("%s\n\n%s", prompt, item.Description)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &jobHandle{
		agent:     agent.Name,
		schedule:  sched.Name,
		startedAt: started,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	result, runErr := s.exec.Run(jobCtx, executor.Request{
		Agent:       agent,
		Prompt:      prompt,
		TriggerType: state.TriggerSchedule,
		Schedule:    sched.Name,
		OnJobStart:  func(jobID string) { s.trackJob(handle, jobID) },
	})
	close(handle.done)

	if item != nil {
		ws := s.workSources[sched.WorkSource]
		if runErr == nil && result != nil && result.Success {
			if err := ws.Complete(ctx, item); err != nil {
				log.Warn("completing work item", zap.String("item", item.ID), zap.Error(err))
			}
		} else {
			if err := ws.Release(ctx, item); err != nil {
				log.Warn("releasing work item", zap.String("item", item.ID), zap.Error(err))
			}
		}
	}

	if runErr != nil {
		return s.finishSchedule(agent, sched, st, started, runErr)
	}
	log.Info("schedule run finished",
		zap.String("job_id", result.JobID),
		zap.Bool("success", result.Success))
	return s.finishSchedule(agent, sched, st, started, nil)
}

// finishSchedule writes the terminal schedule state: idle, last_run_at,
// next_run_at from the trigger rule, last_error cleared or populated.
func (s *Scheduler) finishSchedule(agent *config.Agent, sched *config.Schedule, st *state.ScheduleState, started time.Time, runErr error) error {
	now := time.Now().UTC()
	st.Status = state.ScheduleIdle
	st.LastRunAt = &now
	st.LastError = ""
	if runErr != nil {
		st.LastError = runErr.Error()
	}

	next, err := s.nextRun(sched, now)
	if err != nil {
		// An unparseable rule blocks this schedule only.
		st.Status = state.ScheduleDisabled
		st.LastError = err.Error()
		st.NextRunAt = nil
	} else {
		st.NextRunAt = &next
	}

	if err := s.store.WriteScheduleState(agent.Name, sched.Name, st); err != nil {
		return err
	}
	return runErr
}

// nextRun evaluates the schedule's trigger rule from a reference time.
func (s *Scheduler) nextRun(sched *config.Schedule, from time.Time) (time.Time, error) {
	switch sched.Type {
	case config.TriggerInterval:
		interval, err := trigger.ParseInterval(sched.Interval)
		if err != nil {
			return time.Time{}, err
		}
		return trigger.NextTrigger(&from, interval, sched.JitterPct, from), nil
	case config.TriggerCron:
		return trigger.NextCron(sched.Cron, from)
	default:
		return time.Time{}, fmt.Errorf("schedule type %q has no trigger rule", sched.Type)
	}
}
