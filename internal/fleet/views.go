package fleet

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/message"
	"github.com/herdctl/herdctl/internal/state"
)

// FleetStatus is the operator-facing fleet view.
type FleetStatus struct {
	Running   bool
	PID       int
	StartedAt time.Time
	Agents    []AgentStatus
}

// AgentStatus is the per-agent slice of the fleet view.
type AgentStatus struct {
	Name        string
	RunningJobs int
	LastJobID   string
	LastRunAt   *time.Time
	LastStatus  string
	Schedules   []ScheduleStatus
}

// ScheduleStatus is the per-schedule slice of an agent view.
type ScheduleStatus struct {
	Name      string
	Type      string
	Status    string
	LastRunAt *time.Time
	NextRunAt *time.Time
	LastError string
}

// Status derives the fleet view from state files. It works from any
// process, supervisor or CLI.
func (m *Manager) Status() (*FleetStatus, error) {
	fs := &FleetStatus{}

	if pid, ok, err := m.store.ReadPID(); err != nil {
		return nil, err
	} else if ok {
		fs.PID = pid
		fs.Running = processAlive(pid)
	}
	if persisted, ok, err := m.store.ReadFleetState(); err != nil {
		return nil, err
	} else if ok {
		fs.StartedAt = persisted.StartedAt
	}

	jobs, err := m.store.ListJobs()
	if err != nil {
		return nil, err
	}
	byAgent := make(map[string][]*state.Job)
	for _, job := range jobs {
		byAgent[job.Agent] = append(byAgent[job.Agent], job)
	}

	for _, agent := range m.agents {
		as := AgentStatus{Name: agent.Name}
		for _, job := range byAgent[agent.Name] {
			if job.Status == state.JobRunning {
				as.RunningJobs++
			}
		}
		if latest := byAgent[agent.Name]; len(latest) > 0 {
			as.LastJobID = latest[0].ID
			as.LastStatus = latest[0].Status
			t := latest[0].StartedAt
			as.LastRunAt = &t
		}
		for _, sched := range agent.Schedules {
			st, err := m.store.ReadScheduleState(agent.Name, sched.Name)
			if err != nil {
				return nil, err
			}
			as.Schedules = append(as.Schedules, ScheduleStatus{
				Name:      sched.Name,
				Type:      sched.Type,
				Status:    st.Status,
				LastRunAt: st.LastRunAt,
				NextRunAt: st.NextRunAt,
				LastError: st.LastError,
			})
		}
		fs.Agents = append(fs.Agents, as)
	}
	return fs, nil
}

// Agents returns the resolved agent records.
func (m *Manager) Agents() []*config.Agent { return m.agents }

// Jobs lists persisted jobs, newest first, optionally filtered by agent.
func (m *Manager) Jobs(agentName string) ([]*state.Job, error) {
	jobs, err := m.store.ListJobs()
	if err != nil {
		return nil, err
	}
	if agentName == "" {
		return jobs, nil
	}
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.Agent == agentName {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// Job returns one job record.
func (m *Manager) Job(jobID string) (*state.Job, error) {
	job, ok, err := m.store.ReadJob(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

// JobMessages reads a job's full message log.
func (m *Manager) JobMessages(jobID string) ([]*message.Message, error) {
	f, err := os.Open(m.store.JobLogPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading job log: %w", err)
	}
	defer f.Close()

	var msgs []*message.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		msg, err := message.Decode(scanner.Bytes())
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading job log: %w", err)
	}
	return msgs, nil
}

// followSettle debounces log-file writes while following.
const followSettle = 200 * time.Millisecond

// FollowJob streams a job's messages: the existing log first, then each
// appended message until the job reaches a terminal status or ctx ends.
// fn returning false stops the follow.
func (m *Manager) FollowJob(ctx context.Context, jobID string, fn func(*message.Message) bool) error {
	if _, ok, err := m.store.ReadJob(jobID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}

	path := m.store.JobLogPath(jobID)
	emitted := 0

	flush := func() (bool, error) {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return true, nil
			}
			return false, fmt.Errorf("reading job log: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			if line <= emitted || len(scanner.Bytes()) == 0 {
				continue
			}
			msg, err := message.Decode(scanner.Bytes())
			if err != nil {
				emitted = line
				continue
			}
			if !fn(msg) {
				return false, nil
			}
			emitted = line
		}
		return true, scanner.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the jobs directory; the log file may not exist yet.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching job log: %w", err)
	}

	if cont, err := flush(); err != nil || !cont {
		return err
	}

	ticker := time.NewTicker(followSettle)
	defer ticker.Stop()
	for {
		job, _, err := m.store.ReadJob(jobID)
		if err != nil {
			return err
		}
		terminal := job != nil && job.IsTerminal()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if event.Name != path {
				continue
			}
		case <-ticker.C:
		}

		if cont, err := flush(); err != nil || !cont {
			return err
		}
		if terminal {
			// One extra flush after observing the terminal record catches
			// the tail.
			return nil
		}
	}
}
